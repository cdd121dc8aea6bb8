// Package session implements the client-server crypto channel: an ECDH
// handshake negotiates a per-client master key, and every challenge gets its
// own child key derived from it. Sessions are process-local and short-lived;
// clients handshake again on expiry.
package session

import (
	"encoding/base64"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/proofcaptcha/proofcaptcha/pkg/crypto"
)

// TTL is the session lifetime. Clients handshake again after 15 minutes.
const TTL = 15 * time.Minute

const (
	sessionInfoLabel = "captcha-session-v1"
	childInfoPrefix  = "captcha-challenge-v1"
	shardCount       = 16
	nonceBytes       = 16
)

// ErrNoSession is returned when the client has no live session.
var ErrNoSession = errors.New("no session")

// Info is one negotiated session. The master key never leaves the process.
type Info struct {
	ID              string
	ClientPublicKey []byte
	ServerPublicKey []byte
	Nonce           []byte
	masterKey       []byte
	ExpiresAt       time.Time
}

// HandshakeResponse is the wire shape returned to the widget.
type HandshakeResponse struct {
	ServerPublicKey string `json:"serverPublicKey"`
	Nonce           string `json:"nonce"`
	Timestamp       int64  `json:"timestamp"`
	ExpiresIn       int    `json:"expiresIn"`
	Signature       string `json:"signature"`
}

// EncryptedPayload is the {ciphertext, iv, tag} triple, all base64.
type EncryptedPayload struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
}

// Manager owns the session cache. Shards are keyed by a hash of the client
// public key so the per-shard lock never becomes a global one.
type Manager struct {
	serverSecret []byte
	now          func() time.Time
	shards       [shardCount]*shard
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Info
}

// NewManager creates a session manager signing handshakes with serverSecret.
func NewManager(serverSecret []byte) *Manager {
	m := &Manager{serverSecret: serverSecret, now: time.Now}
	for i := range m.shards {
		m.shards[i] = &shard{sessions: make(map[string]*Info)}
	}
	return m
}

// Handshake runs the server side of the ECDH exchange and caches the
// resulting session, replacing any previous one for the same client key.
//
//	masterKey = HKDF-SHA256(sharedSecret, salt=serverPub||nonce, info="captcha-session-v1", 32)
func (m *Manager) Handshake(clientPublicKey []byte) (*HandshakeResponse, error) {
	clientPub, err := crypto.ParseECDHPublicKey(clientPublicKey)
	if err != nil {
		return nil, err
	}
	serverPriv, err := crypto.ECDHGenerate()
	if err != nil {
		return nil, err
	}
	shared, err := crypto.ECDHDeriveBits(serverPriv, clientPub)
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.RandomBytes(nonceBytes)
	if err != nil {
		return nil, err
	}

	serverPub := serverPriv.PublicKey().Bytes()
	salt := append(append([]byte(nil), serverPub...), nonce...)
	masterKey, err := crypto.HKDFSHA256(shared, salt, []byte(sessionInfoLabel), 32)
	if err != nil {
		return nil, err
	}

	now := m.now()
	info := &Info{
		ID:              sessionID(clientPublicKey),
		ClientPublicKey: append([]byte(nil), clientPublicKey...),
		ServerPublicKey: serverPub,
		Nonce:           nonce,
		masterKey:       masterKey,
		ExpiresAt:       now.Add(TTL),
	}
	m.shardFor(info.ID).put(info)

	timestamp := now.UnixMilli()
	sigInput := append(append(append([]byte(nil), serverPub...), nonce...),
		[]byte(strconv.FormatInt(timestamp, 10))...)
	return &HandshakeResponse{
		ServerPublicKey: crypto.Base64Encode(serverPub),
		Nonce:           crypto.Base64Encode(nonce),
		Timestamp:       timestamp,
		ExpiresIn:       int(TTL.Seconds()),
		Signature:       crypto.Base64Encode(crypto.HMACSHA256(m.serverSecret, sigInput)),
	}, nil
}

// Lookup returns the live session for a client public key. Expired entries
// are evicted lazily here.
func (m *Manager) Lookup(clientPublicKey []byte) (*Info, error) {
	id := sessionID(clientPublicKey)
	sh := m.shardFor(id)

	sh.mu.RLock()
	info, ok := sh.sessions[id]
	sh.mu.RUnlock()
	if !ok {
		return nil, ErrNoSession
	}
	if m.now().After(info.ExpiresAt) {
		sh.mu.Lock()
		delete(sh.sessions, id)
		sh.mu.Unlock()
		return nil, ErrNoSession
	}
	return info, nil
}

// Seal encrypts a challenge payload under the session's per-challenge child
// key, with the challenge id as AAD.
func (m *Manager) Seal(info *Info, challengeID string, plaintext []byte) (*EncryptedPayload, error) {
	key, err := childKey(info.masterKey, challengeID)
	if err != nil {
		return nil, err
	}
	ct, iv, tag, err := crypto.AESGCMEncrypt(key, []byte(challengeID), plaintext)
	if err != nil {
		return nil, err
	}
	return &EncryptedPayload{
		Ciphertext: crypto.Base64Encode(ct),
		IV:         crypto.Base64Encode(iv),
		Tag:        crypto.Base64Encode(tag),
	}, nil
}

// Open decrypts a {ciphertext, iv, tag} payload. Every failure collapses to
// crypto.ErrCryptoFailure; callers get no oracle.
func (m *Manager) Open(info *Info, challengeID string, payload EncryptedPayload) ([]byte, error) {
	key, err := childKey(info.masterKey, challengeID)
	if err != nil {
		return nil, crypto.ErrCryptoFailure
	}
	ct, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, crypto.ErrCryptoFailure
	}
	iv, err := base64.StdEncoding.DecodeString(payload.IV)
	if err != nil {
		return nil, crypto.ErrCryptoFailure
	}
	tag, err := base64.StdEncoding.DecodeString(payload.Tag)
	if err != nil {
		return nil, crypto.ErrCryptoFailure
	}
	return crypto.AESGCMDecrypt(key, iv, []byte(challengeID), ct, tag)
}

// Sweep drops expired sessions. Called periodically from the server loop.
func (m *Manager) Sweep() int {
	now := m.now()
	removed := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for id, info := range sh.sessions {
			if now.After(info.ExpiresAt) {
				delete(sh.sessions, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// childKey derives the per-challenge key. Both seal and open use the
// "encrypt" direction label: the deployed widget derives its decrypt key
// with direction="encrypt" too, so one key per challenge is the effective
// protocol. Changing the label here would break every deployed client.
func childKey(masterKey []byte, challengeID string) ([]byte, error) {
	info := fmt.Sprintf("%s:encrypt:%x", childInfoPrefix, crypto.SHA256([]byte(challengeID)))
	return crypto.HKDFSHA256(masterKey, nil, []byte(info), 32)
}

func sessionID(clientPublicKey []byte) string {
	return fmt.Sprintf("%x", crypto.SHA256(clientPublicKey))
}

func (m *Manager) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return m.shards[h.Sum32()%shardCount]
}

func (s *shard) put(info *Info) {
	s.mu.Lock()
	s.sessions[info.ID] = info
	s.mu.Unlock()
}
