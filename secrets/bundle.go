// Package secrets holds credentials in an encrypted memory enclave so they
// are not kept as plain strings for the life of the process.
package secrets

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/awnumar/memguard"

	"optiver-forecast/config"
)

// Well-known bundle entries.
const (
	DBUser         = "db_user"
	DBPassword     = "db_password"
	RedisPassword  = "redis_password"
	GCSCredentials = "gcs_credentials"
	FeedToken      = "feed_token"
)

var interruptOnce sync.Once

// Bundle is a sealed set of named credentials.
type Bundle struct {
	enclave *memguard.Enclave
	names   []string
}

// LoadBundle reads a JSON object of credentials from path. String values are
// kept as is; object values (a service account key) are kept as JSON.
func LoadBundle(path string) (*Bundle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets bundle %s: %w", path, err)
	}
	defer memguard.WipeBytes(raw)
	return NewBundle(raw)
}

// NewBundle seals the JSON object in raw.
func NewBundle(raw []byte) (*Bundle, error) {
	interruptOnce.Do(memguard.CatchInterrupt)

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("secrets bundle is not a JSON object: %w", err)
	}

	values := make(map[string]string, len(entries))
	names := make([]string, 0, len(entries))
	for name, v := range entries {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			s = string(v)
		}
		values[name] = s
		names = append(names, name)
	}
	sort.Strings(names)

	sealed, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return &Bundle{enclave: memguard.NewEnclave(sealed), names: names}, nil
}

// Names lists the entries of the bundle.
func (b *Bundle) Names() []string {
	if b == nil {
		return nil
	}
	return append([]string(nil), b.names...)
}

// Get returns the named credential. An environment variable with the
// upper-cased name overrides the bundle.
func (b *Bundle) Get(name string) (string, bool, error) {
	if v, ok := os.LookupEnv(strings.ToUpper(name)); ok {
		return v, true, nil
	}
	if b == nil || b.enclave == nil {
		return "", false, nil
	}

	buf, err := b.enclave.Open()
	if err != nil {
		return "", false, fmt.Errorf("failed to open secrets enclave: %w", err)
	}
	defer buf.Destroy()

	var values map[string]string
	if err := json.Unmarshal(buf.Bytes(), &values); err != nil {
		return "", false, err
	}
	v, ok := values[name]
	return v, ok, nil
}

// Apply copies bundle credentials into cfg and returns the object store
// credentials, if any.
func (b *Bundle) Apply(cfg *config.Config) ([]byte, error) {
	set := func(name string, dst *string) error {
		v, ok, err := b.Get(name)
		if err != nil {
			return err
		}
		if ok {
			*dst = v
		}
		return nil
	}

	if err := set(DBUser, &cfg.Database.User); err != nil {
		return nil, err
	}
	if err := set(DBPassword, &cfg.Database.Password); err != nil {
		return nil, err
	}
	if err := set(RedisPassword, &cfg.Redis.Password); err != nil {
		return nil, err
	}
	if err := set(FeedToken, &cfg.Feed.Token); err != nil {
		return nil, err
	}

	creds, ok, err := b.Get(GCSCredentials)
	if err != nil || !ok {
		return nil, err
	}
	return []byte(creds), nil
}

// Purge wipes every sealed buffer. Call it on shutdown.
func Purge() {
	memguard.Purge()
}
