package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrAccountNotFound indicates no account has that name.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountExists indicates the name is already registered.
	ErrAccountExists = errors.New("account already exists")
	// ErrBadPassword indicates the password does not match.
	ErrBadPassword = errors.New("invalid password")
)

// Account levels
const (
	LevelUser  uint8 = 20
	LevelAdmin uint8 = 100
)

// Account is a registered user name
type Account struct {
	ID           int64
	Name         string
	PasswordHash string
	Level        uint8
	CreatedAt    int64
	LastLogin    *int64
}

// CreateAccount inserts an account with an already hashed password
func (db *DB) CreateAccount(name, passwordHash string, level uint8) (int64, error) {
	result, err := db.writeConn.Exec(`
		INSERT INTO Account (name, password_hash, level, created_at)
		VALUES (?, ?, ?, ?)
	`, name, passwordHash, level, nowMillis())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return 0, fmt.Errorf("%w: %s", ErrAccountExists, name)
		}
		return 0, fmt.Errorf("failed to create account: %w", err)
	}
	return result.LastInsertId()
}

// GetAccountByName looks an account up case-insensitively
func (db *DB) GetAccountByName(name string) (*Account, error) {
	var a Account
	var lastLogin sql.NullInt64
	err := db.conn.QueryRow(`
		SELECT id, name, password_hash, level, created_at, last_login
		FROM Account
		WHERE name = ?
	`, name).Scan(&a.ID, &a.Name, &a.PasswordHash, &a.Level, &a.CreatedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if lastLogin.Valid {
		a.LastLogin = &lastLogin.Int64
	}
	return &a, nil
}

// UpdateAccountLastLogin stamps a successful login
func (db *DB) UpdateAccountLastLogin(id int64) error {
	_, err := db.writeConn.Exec(`UPDATE Account SET last_login = ? WHERE id = ?`, nowMillis(), id)
	return err
}

// Accounts authenticates logins against the Account table. Lookups are
// cached so reconnect storms do not hit SQLite for every attempt.
type Accounts struct {
	db           *DB
	cache        *ttlcache.Cache[string, *Account]
	autoRegister bool
}

// NewAccounts creates the account service. With autoRegister, logging in
// with an unknown name registers it.
func NewAccounts(db *DB, cacheTTL time.Duration, autoRegister bool) *Accounts {
	cache := ttlcache.New[string, *Account](
		ttlcache.WithTTL[string, *Account](cacheTTL),
		ttlcache.WithCapacity[string, *Account](10_000),
	)
	go cache.Start()

	return &Accounts{db: db, cache: cache, autoRegister: autoRegister}
}

// Close stops the cache janitor
func (a *Accounts) Close() {
	a.cache.Stop()
}

// Register hashes password and creates an account
func (a *Accounts) Register(name, password string, level uint8) (*Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	id, err := a.db.CreateAccount(name, string(hash), level)
	if err != nil {
		return nil, err
	}
	acct := &Account{ID: id, Name: name, PasswordHash: string(hash), Level: level, CreatedAt: nowMillis()}
	a.cache.Set(cacheKey(name), acct, ttlcache.DefaultTTL)
	return acct, nil
}

// Authenticate checks name and password and returns the account
func (a *Accounts) Authenticate(name, password string) (*Account, error) {
	acct, err := a.lookup(name)
	if errors.Is(err, ErrAccountNotFound) && a.autoRegister {
		acct, err = a.Register(name, password, LevelUser)
		if err == nil {
			return acct, nil
		}
		if !errors.Is(err, ErrAccountExists) {
			return nil, err
		}
		// A concurrent login registered the name first; check against it
		acct, err = a.lookup(name)
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("%w for %s", ErrBadPassword, name)
	}

	if err := a.db.UpdateAccountLastLogin(acct.ID); err != nil {
		return nil, fmt.Errorf("failed to update last login: %w", err)
	}
	return acct, nil
}

func (a *Accounts) lookup(name string) (*Account, error) {
	if item := a.cache.Get(cacheKey(name)); item != nil {
		return item.Value(), nil
	}
	acct, err := a.db.GetAccountByName(name)
	if err != nil {
		return nil, err
	}
	a.cache.Set(cacheKey(name), acct, ttlcache.DefaultTTL)
	return acct, nil
}

func cacheKey(name string) string {
	return strings.ToLower(name)
}
