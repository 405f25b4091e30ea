package secrets

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/joho/godotenv"
)

// localFile serves secrets from a dotenv-style file for development and outages:
//
//	stripe_api_key=sk_test_123
//	db_url.5=postgres://pinned
//
// The file is read once, on first use. A missing file behaves as an empty one.
type localFile struct {
	path   string
	once   sync.Once
	values map[string]string
	err    error
}

func (l *localFile) lookup(ref Reference) (string, bool, error) {
	l.once.Do(l.load)
	if l.err != nil {
		return "", false, l.err
	}
	for _, key := range ref.localKeys() {
		if value, ok := l.values[key]; ok {
			return value, true, nil
		}
	}
	return "", false, nil
}

func (l *localFile) load() {
	if l.path == "" {
		return
	}
	values, err := godotenv.Read(l.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		l.err = fmt.Errorf("secrets: read %s: %w", l.path, err)
	default:
		l.values = values
	}
}
