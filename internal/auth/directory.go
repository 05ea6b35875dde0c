package auth

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var ErrAccountExists = errors.New("account already exists")

// Account is a local login known to the Directory.
type Account struct {
	ID       uuid.UUID
	Email    string
	Role     Role
	Password PasswordHash
}

// Directory holds local accounts, typically operator logins for the admin
// routes. Members authenticate against the membership service instead.
type Directory struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{accounts: make(map[string]Account)}
}

// Add registers an account with a freshly hashed password.
func (d *Directory) Add(email, password string, role Role) (Account, error) {
	key := normalizeEmail(email)
	if key == "" || password == "" {
		return Account{}, errors.New("email and password are required")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return Account{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.accounts[key]; exists {
		return Account{}, ErrAccountExists
	}
	account := Account{ID: uuid.New(), Email: key, Role: role, Password: hash}
	d.accounts[key] = account
	return account, nil
}

// Lookup returns the account registered under email.
func (d *Directory) Lookup(email string) (Account, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.accounts[normalizeEmail(email)]
	return a, ok
}

// BasicGate authenticates HTTP Basic credentials against a Directory.
// Failed attempts are rate limited per known email; unknown emails are
// rejected without a password check and without keeping any state.
type BasicGate struct {
	directory *Directory
	limit     rate.Limit
	burst     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewBasicGate allows perMinute failed attempts per email.
func NewBasicGate(directory *Directory, perMinute int) *BasicGate {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &BasicGate{
		directory: directory,
		limit:     rate.Every(time.Minute / time.Duration(perMinute)),
		burst:     perMinute,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Authenticate implements Gate. Every attempt takes a token before the
// password is checked; a successful attempt gives it back.
func (g *BasicGate) Authenticate(r *http.Request) (Principal, error) {
	email, password, ok := r.BasicAuth()
	if !ok {
		return Principal{}, ErrUnauthenticated
	}
	account, found := g.directory.Lookup(email)
	if !found {
		return Principal{}, ErrUnauthenticated
	}

	now := time.Now()
	reservation := g.limiter(account.Email).ReserveN(now, 1)
	if !reservation.OK() || reservation.DelayFrom(now) > 0 {
		reservation.CancelAt(now)
		return Principal{}, ErrRateLimited
	}

	valid, err := account.Password.Verify(password)
	if err != nil || !valid {
		return Principal{}, ErrUnauthenticated
	}
	reservation.Cancel()
	return Principal{ID: account.ID, Role: account.Role}, nil
}

func (g *BasicGate) limiter(email string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[email]
	if !ok {
		l = rate.NewLimiter(g.limit, g.burst)
		g.limiters[email] = l
	}
	return l
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
