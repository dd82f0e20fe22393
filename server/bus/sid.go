package bus

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"sync"

	sf "github.com/tinode/snowflake"
	"golang.org/x/crypto/xtea"
)

// SidGenerator produces unique random-looking ids for envelopes and
// connections: snowflake sequence encrypted with XTEA.
type SidGenerator struct {
	lock   sync.Mutex
	seq    *sf.SnowFlake
	cipher *xtea.Cipher
}

// NewSidGenerator creates a generator. A nil key is replaced with a random one.
func NewSidGenerator(workerID uint, key []byte) (*SidGenerator, error) {
	if key == nil {
		key = make([]byte, 16)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
	}

	seq, err := sf.NewSnowFlake(uint32(workerID))
	if err != nil {
		return nil, err
	}
	cipher, err := xtea.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &SidGenerator{seq: seq, cipher: cipher}, nil
}

// Get returns the next id as unpadded URL-safe base64, 11 characters long.
func (g *SidGenerator) Get() string {
	g.lock.Lock()
	id, err := g.seq.Next()
	g.lock.Unlock()
	if err != nil {
		// Sequence exhausted in this millisecond or clock moved back. Fall back to random bits.
		var buf [8]byte
		rand.Read(buf[:])
		id = binary.LittleEndian.Uint64(buf[:])
	}

	var src, dst [8]byte
	binary.LittleEndian.PutUint64(src[:], id)
	g.cipher.Encrypt(dst[:], src[:])
	return base64.RawURLEncoding.EncodeToString(dst[:])
}

var (
	defaultSids     *SidGenerator
	defaultSidsOnce sync.Once
)

// NewSid returns a new unique id from the process-wide generator.
func NewSid() string {
	defaultSidsOnce.Do(func() {
		var err error
		if defaultSids, err = NewSidGenerator(0, nil); err != nil {
			panic(err)
		}
	})
	return defaultSids.Get()
}
