// Package secrets implements the SecretStore collaborator (spec.md §6):
// symmetric at-rest encryption of source/sink credentials keyed by the
// ENCRYPTION_KEY environment variable. The teacher's go.mod already carries
// golang.org/x/crypto (used there for bcrypt password hashing); bcrypt is
// one-way and cannot serve SecretStore.Get's reversible-decrypt
// requirement, so this package draws the AEAD primitive from the same
// module instead (see DESIGN.md).
package secrets

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/bobmcallan/fittransfer/internal/models"
)

// accountRow is the plaintext payload sealed into the ciphertext column.
type accountRow struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Store is a SQLite-backed SecretStore sharing the StateStore's database
// handle (accounts table, spec.md §6 persisted layout).
type Store struct {
	db  *sql.DB
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// New derives a 256-bit key from ENCRYPTION_KEY (via SHA-256, so operators
// may supply a passphrase of any length) and constructs a Store using db
// for the shared accounts table.
func New(db *sql.DB, encryptionKey string) (*Store, error) {
	key := sha256.Sum256([]byte(encryptionKey))
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("init AEAD: %w", err)
	}
	return &Store{db: db, aead: aead}, nil
}

// Get implements SecretStore.Get: decrypts and returns the stored
// email/password pair for platform+role.
func (s *Store) Get(ctx context.Context, platform, role string) (string, string, error) {
	var ciphertext []byte
	err := s.db.QueryRowContext(ctx, `SELECT ciphertext FROM accounts WHERE platform = ? AND role = ?`, platform, role).Scan(&ciphertext)
	if err == sql.ErrNoRows {
		return "", "", fmt.Errorf("no credentials stored for platform=%s role=%s", platform, role)
	}
	if err != nil {
		return "", "", err
	}

	nonceSize := s.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", "", fmt.Errorf("corrupt ciphertext for platform=%s role=%s", platform, role)
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plain, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", "", fmt.Errorf("decrypt credentials: %w", err)
	}

	var row accountRow
	if err := json.Unmarshal(plain, &row); err != nil {
		return "", "", err
	}
	return row.Email, row.Password, nil
}

// Set implements SecretStore.Set: encrypts and upserts the credential pair.
func (s *Store) Set(ctx context.Context, platform, role, email, password string) error {
	plain, err := json.Marshal(accountRow{Email: email, Password: password})
	if err != nil {
		return err
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nil, nonce, plain, nil)
	ciphertext := append(nonce, sealed...)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (platform, role, email, ciphertext, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(platform, role) DO UPDATE SET email = excluded.email, ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`,
		platform, role, email, ciphertext, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// Delete implements SecretStore.Delete.
func (s *Store) Delete(ctx context.Context, platform, role string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE platform = ? AND role = ?`, platform, role)
	return err
}

// List implements SecretStore.List: returns metadata only, never decrypted secrets.
func (s *Store) List(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT platform, role, email, updated_at FROM accounts ORDER BY platform, role`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		var a models.Account
		var updatedAt string
		if err := rows.Scan(&a.Platform, &a.Role, &a.Email, &updatedAt); err != nil {
			return nil, err
		}
		a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}
