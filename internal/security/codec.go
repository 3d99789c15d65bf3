package security

import (
	"crypto/mlkem"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Algorithm tags carried in every sealed envelope.
const (
	AlgorithmKEM       = "mlkem768+hkdf-sha256+chacha20poly1305"
	AlgorithmClassical = "hkdf-sha256+chacha20poly1305"

	envelopeVersion = 1

	// classicalDomain separates the fallback public-key derivation.
	classicalDomain = "recoveryd-classical-pk-v1"
	kemLabel        = "commitment-kem"
	classicalLabel  = "commitment-classical"
)

// ErrUnknownAlgorithm is returned for configuration naming no known algorithm.
var ErrUnknownAlgorithm = errors.New("security: unknown algorithm")

// envelope is the persisted shape of an encrypted embedding.
type envelope struct {
	Algorithm        string `json:"algorithm"`
	Version          int    `json:"version"`
	KEMCiphertext    []byte `json:"kem_ciphertext,omitempty"`
	Ciphertext       []byte `json:"ciphertext"`
	Nonce            []byte `json:"nonce"`
	QuantumProtected bool   `json:"quantum_protected"`
}

// Sealed is the result of encrypting one embedding.
type Sealed struct {
	Blob             []byte
	PublicKey        []byte
	PrivateKey       []byte
	Algorithm        string
	QuantumProtected bool
}

// Codec encrypts and decrypts behavioral embeddings.
type Codec struct {
	preferKEM bool

	// generateKEM is swapped in tests to exercise the fallback.
	generateKEM func() (*mlkem.DecapsulationKey768, error)
}

// NewCodec returns a codec for the named algorithm: "mlkem768" (default when
// empty) or "classical".
func NewCodec(algorithm string) (*Codec, error) {
	c := &Codec{generateKEM: mlkem.GenerateKey768}
	switch algorithm {
	case "", "mlkem768":
		c.preferKEM = true
	case "classical":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
	return c, nil
}

// Encrypt seals vector under a fresh keypair. When the KEM path is not
// selected or cannot generate a key, the classical path is used and the
// result reports QuantumProtected=false.
func (c *Codec) Encrypt(vector []float64) (*Sealed, error) {
	plaintext := EncodeVector(vector)
	defer Wipe(plaintext)

	if c.preferKEM {
		dk, err := c.generateKEM()
		if err == nil {
			return c.encryptKEM(dk, plaintext)
		}
	}
	return c.encryptClassical(plaintext)
}

func (c *Codec) encryptKEM(dk *mlkem.DecapsulationKey768, plaintext []byte) (*Sealed, error) {
	ek := dk.EncapsulationKey()
	shared, kemCT := ek.Encapsulate()
	defer Wipe(shared)

	key, err := DeriveKeyWithLabel(shared, kemCT, kemLabel)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	nonce, ct, err := seal(key, plaintext, []byte(AlgorithmKEM))
	if err != nil {
		return nil, err
	}

	blob, err := json.Marshal(envelope{
		Algorithm:        AlgorithmKEM,
		Version:          envelopeVersion,
		KEMCiphertext:    kemCT,
		Ciphertext:       ct,
		Nonce:            nonce,
		QuantumProtected: true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return &Sealed{
		Blob:             blob,
		PublicKey:        ek.Bytes(),
		PrivateKey:       dk.Bytes(),
		Algorithm:        AlgorithmKEM,
		QuantumProtected: true,
	}, nil
}

func (c *Codec) encryptClassical(plaintext []byte) (*Sealed, error) {
	secret := make([]byte, KeySize)
	if err := GenerateSecureRandom(secret); err != nil {
		return nil, err
	}
	pub := classicalPublicKey(secret)

	key, err := DeriveKeyWithLabel(pub, nil, classicalLabel)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	nonce, ct, err := seal(key, plaintext, []byte(AlgorithmClassical))
	if err != nil {
		return nil, err
	}

	blob, err := json.Marshal(envelope{
		Algorithm:  AlgorithmClassical,
		Version:    envelopeVersion,
		Ciphertext: ct,
		Nonce:      nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return &Sealed{
		Blob:       blob,
		PublicKey:  pub,
		PrivateKey: secret,
		Algorithm:  AlgorithmClassical,
	}, nil
}

// Decrypt opens a sealed envelope with the matching private key.
func (c *Codec) Decrypt(blob, privateKey []byte) ([]float64, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrDecryption, err)
	}
	if len(privateKey) == 0 {
		return nil, fmt.Errorf("%w: missing private key", ErrDecryption)
	}

	var key []byte
	switch env.Algorithm {
	case AlgorithmKEM:
		dk, err := mlkem.NewDecapsulationKey768(privateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
		}
		shared, err := dk.Decapsulate(env.KEMCiphertext)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
		}
		defer Wipe(shared)
		if key, err = DeriveKeyWithLabel(shared, env.KEMCiphertext, kemLabel); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
		}
	case AlgorithmClassical:
		var err error
		if key, err = DeriveKeyWithLabel(classicalPublicKey(privateKey), nil, classicalLabel); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrDecryption, env.Algorithm)
	}
	defer Wipe(key)

	plaintext, err := open(key, env.Nonce, env.Ciphertext, []byte(env.Algorithm))
	if err != nil {
		return nil, err
	}
	defer Wipe(plaintext)
	return DecodeVector(plaintext)
}

func classicalPublicKey(secret []byte) []byte {
	h := sha256.New()
	h.Write([]byte(classicalDomain))
	h.Write(secret)
	return h.Sum(nil)
}

// EncodeVector serializes a vector as a uint32 length followed by
// little-endian float64 values.
func EncodeVector(v []float64) []byte {
	buf := make([]byte, 4+8*len(v))
	binary.LittleEndian.PutUint32(buf, uint32(len(v)))
	for i, x := range v {
		binary.LittleEndian.PutUint64(buf[4+8*i:], math.Float64bits(x))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(buf []byte) ([]float64, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: vector too short", ErrDecryption)
	}
	n := binary.LittleEndian.Uint32(buf)
	if uint64(len(buf)-4) != uint64(n)*8 {
		return nil, fmt.Errorf("%w: vector length mismatch", ErrDecryption)
	}
	v := make([]float64, n)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[4+8*i:]))
	}
	return v, nil
}
