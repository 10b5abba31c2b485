package copilot

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/term"
)

// VaultFile is the default vault file name, relative to the working
// directory.
const VaultFile = ".leadclaw.vault"

const (
	vaultFormat = 1

	// verifyEntry holds a known plaintext; opening it proves the password.
	verifyEntry = "__verify__"
	verifyValue = "leadclaw-vault-ok"

	saltLen = 16
	keyLen  = 32 // AES-256
)

// Vault errors.
var (
	ErrVaultLocked        = errors.New("vault is locked")
	ErrVaultWrongPassword = errors.New("wrong password")
)

// kdfParams are stored in the file so the Argon2id cost can be raised
// later without breaking existing vaults.
type kdfParams struct {
	Time      uint32 `json:"time"`
	MemoryKiB uint32 `json:"memory_kib"`
	Threads   uint8  `json:"threads"`
	Salt      []byte `json:"salt"`
}

func newKDFParams() (kdfParams, error) {
	p := kdfParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 4, Salt: make([]byte, saltLen)}
	if _, err := rand.Read(p.Salt); err != nil {
		return p, fmt.Errorf("generating salt: %w", err)
	}
	return p, nil
}

func (p kdfParams) deriveKey(password string) []byte {
	return argon2.IDKey([]byte(password), p.Salt, p.Time, p.MemoryKiB, p.Threads, keyLen)
}

func (p kdfParams) valid() bool {
	return p.Time > 0 && p.MemoryKiB > 0 && p.Threads > 0 && len(p.Salt) >= saltLen
}

// sealedSecret is one AES-GCM ciphertext. JSON encodes the byte slices as
// base64.
type sealedSecret struct {
	Nonce []byte `json:"nonce"`
	Data  []byte `json:"data"`
}

// vaultFile is the on-disk layout.
type vaultFile struct {
	Format  int                     `json:"format"`
	KDF     kdfParams               `json:"kdf"`
	Secrets map[string]sealedSecret `json:"secrets"`
}

// sealer encrypts secrets under one key. The secret name is authenticated
// as additional data, so a ciphertext cannot be moved to another name.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(key []byte) (*sealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) seal(name string, plaintext []byte) (sealedSecret, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return sealedSecret{}, fmt.Errorf("generating nonce: %w", err)
	}
	return sealedSecret{Nonce: nonce, Data: s.aead.Seal(nil, nonce, plaintext, []byte(name))}, nil
}

func (s *sealer) open(name string, sec sealedSecret) ([]byte, error) {
	if len(sec.Nonce) != s.aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(sec.Nonce))
	}
	plaintext, err := s.aead.Open(nil, sec.Nonce, sec.Data, []byte(name))
	if err != nil {
		return nil, errors.New("authentication failed")
	}
	return plaintext, nil
}

// Vault stores the assistant's credentials in a password-protected file.
// The password is never stored; the derived key lives in memory only
// between Unlock (or Create) and Lock.
type Vault struct {
	path string

	mu     sync.RWMutex
	file   *vaultFile
	key    []byte
	sealer *sealer
}

// NewVault returns a locked vault backed by path.
func NewVault(path string) *Vault {
	return &Vault{path: path}
}

// Exists reports whether the vault file is present.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// Path returns the vault file path.
func (v *Vault) Path() string { return v.path }

// IsUnlocked reports whether secrets can be read.
func (v *Vault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sealer != nil
}

// Create writes a new empty vault protected by password and leaves it
// unlocked.
func (v *Vault) Create(password string) error {
	if password == "" {
		return errors.New("vault password must not be empty")
	}
	if v.Exists() {
		return fmt.Errorf("vault already exists at %s", v.path)
	}

	kdf, err := newKDFParams()
	if err != nil {
		return err
	}
	file := &vaultFile{Format: vaultFormat, KDF: kdf, Secrets: make(map[string]sealedSecret)}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.open(file, password); err != nil {
		return err
	}
	file.Secrets[verifyEntry], err = v.sealer.seal(verifyEntry, []byte(verifyValue))
	if err != nil {
		v.wipeLocked()
		return err
	}
	return v.saveLocked()
}

// Unlock reads the vault and checks password against it.
func (v *Vault) Unlock(password string) error {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		return fmt.Errorf("reading vault: %w", err)
	}

	var file vaultFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parsing vault: %w", err)
	}
	if file.Format != vaultFormat {
		return fmt.Errorf("unsupported vault format %d", file.Format)
	}
	if !file.KDF.valid() {
		return errors.New("vault has invalid key derivation parameters")
	}
	if file.Secrets == nil {
		file.Secrets = make(map[string]sealedSecret)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.open(&file, password); err != nil {
		return err
	}
	check, ok := file.Secrets[verifyEntry]
	if !ok {
		v.wipeLocked()
		return errors.New("vault is missing its verification entry")
	}
	if _, err := v.sealer.open(verifyEntry, check); err != nil {
		v.wipeLocked()
		return ErrVaultWrongPassword
	}
	return nil
}

// open derives the key for file. Caller must hold v.mu.
func (v *Vault) open(file *vaultFile, password string) error {
	key := file.KDF.deriveKey(password)
	s, err := newSealer(key)
	if err != nil {
		clear(key)
		return err
	}
	v.file, v.key, v.sealer = file, key, s
	return nil
}

// Lock forgets the key. Secrets stay on disk.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.wipeLocked()
}

func (v *Vault) wipeLocked() {
	clear(v.key)
	v.key, v.sealer, v.file = nil, nil, nil
}

// Set stores value under name and saves the file.
func (v *Vault) Set(name, value string) error {
	if name == verifyEntry {
		return fmt.Errorf("%q is reserved", name)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.sealer == nil {
		return ErrVaultLocked
	}

	sec, err := v.sealer.seal(name, []byte(value))
	if err != nil {
		return fmt.Errorf("encrypting %s: %w", name, err)
	}
	v.file.Secrets[name] = sec
	return v.saveLocked()
}

// Get returns the secret stored under name, or "" when there is none.
func (v *Vault) Get(name string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.sealer == nil {
		return "", ErrVaultLocked
	}

	sec, ok := v.file.Secrets[name]
	if !ok {
		return "", nil
	}
	plaintext, err := v.sealer.open(name, sec)
	if err != nil {
		return "", fmt.Errorf("decrypting %s: %w", name, err)
	}
	return string(plaintext), nil
}

// Has reports whether name is stored. Always false while locked.
func (v *Vault) Has(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.sealer == nil || name == verifyEntry {
		return false
	}
	_, ok := v.file.Secrets[name]
	return ok
}

// Delete removes name and saves the file.
func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.sealer == nil {
		return ErrVaultLocked
	}
	if _, ok := v.file.Secrets[name]; !ok || name == verifyEntry {
		return fmt.Errorf("secret %q not found", name)
	}
	delete(v.file.Secrets, name)
	return v.saveLocked()
}

// List returns the stored names in order, or nil while locked.
func (v *Vault) List() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.sealer == nil {
		return nil
	}

	names := make([]string, 0, len(v.file.Secrets))
	for name := range v.file.Secrets {
		if name != verifyEntry {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// ChangePassword re-encrypts every secret under a key derived from
// newPassword with a fresh salt.
func (v *Vault) ChangePassword(newPassword string) error {
	if newPassword == "" {
		return errors.New("vault password must not be empty")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.sealer == nil {
		return ErrVaultLocked
	}

	kdf, err := newKDFParams()
	if err != nil {
		return err
	}
	key := kdf.deriveKey(newPassword)
	next, err := newSealer(key)
	if err != nil {
		clear(key)
		return err
	}

	secrets := make(map[string]sealedSecret, len(v.file.Secrets))
	for name, sec := range v.file.Secrets {
		plaintext, err := v.sealer.open(name, sec)
		if err != nil {
			clear(key)
			return fmt.Errorf("decrypting %s: %w", name, err)
		}
		secrets[name], err = next.seal(name, plaintext)
		clear(plaintext)
		if err != nil {
			clear(key)
			return fmt.Errorf("re-encrypting %s: %w", name, err)
		}
	}

	clear(v.key)
	v.key, v.sealer = key, next
	v.file.KDF = kdf
	v.file.Secrets = secrets
	return v.saveLocked()
}

// saveLocked replaces the file atomically so a crash never leaves a
// half-written vault. Caller must hold v.mu.
func (v *Vault) saveLocked() error {
	data, err := json.MarshalIndent(v.file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling vault: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(v.path), ".leadclaw-vault-*")
	if err != nil {
		return fmt.Errorf("writing vault: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing vault: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("writing vault: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("writing vault: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing vault: %w", err)
	}
	if err := os.Rename(tmp.Name(), v.path); err != nil {
		return fmt.Errorf("writing vault: %w", err)
	}
	return nil
}

// ReadPassword prompts on stderr and reads a line without echo. Piped
// input is read as a plain line.
func ReadPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return trimNewlines(string(b)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return trimNewlines(line), nil
}

func trimNewlines(s string) string {
	return strings.TrimRight(s, "\r\n")
}
