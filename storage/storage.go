// Package storage persists fingerprint templates on disk. Each template is
// one file addressed by (username, driver, device-id, finger):
//
//	<base>/<username>/<driver>/<device-id>/<finger-hex>
//
// Records are JSON documents carrying the template metadata and the opaque
// payload.
package storage

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fingerd/fingerd/biometric"
	"github.com/fingerd/fingerd/logging"
)

const (
	defaultBase = "/var/lib/fingerd"
	dirPerms    = 0o700
	filePerms   = 0o600
)

// ErrNotFound is returned when no template exists for the requested tuple.
var ErrNotFound = errors.New("no such print")

// Store is a file-backed print store rooted at a base directory.
type Store struct {
	base string
}

// New returns a Store rooted at base. An empty base falls back to the
// STATE_DIRECTORY environment variable (set by systemd), then to the
// built-in default.
func New(base string) *Store {
	if base == "" {
		base = os.Getenv("STATE_DIRECTORY")
	}
	if base == "" {
		base = defaultBase
	}
	return &Store{base: base}
}

// Base returns the root directory of the store.
func (s *Store) Base() string { return s.base }

type record struct {
	Driver     string `json:"driver"`
	DeviceID   string `json:"device_id"`
	Finger     int    `json:"finger"`
	Username   string `json:"username"`
	EnrollDate string `json:"enroll_date"`
	Data       string `json:"data"`
}

func (s *Store) deviceDir(driver, deviceID, username string) string {
	return filepath.Join(s.base, username, driver, deviceID)
}

func (s *Store) printPath(driver, deviceID string, finger biometric.Finger, username string) string {
	return filepath.Join(s.deviceDir(driver, deviceID, username), finger.Hex())
}

// Save writes the print, creating the directory hierarchy as needed.
func (s *Store) Save(p *biometric.Print) error {
	if !p.Finger.Valid() {
		return fmt.Errorf("cannot save print for finger %q", p.Finger)
	}
	rec := record{
		Driver:     p.Driver,
		DeviceID:   p.DeviceID,
		Finger:     int(p.Finger),
		Username:   p.Username,
		EnrollDate: p.EnrollDate.Format(time.RFC3339),
		Data:       base64.StdEncoding.EncodeToString(p.Data),
	}
	buf, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing print: %w", err)
	}

	path := s.printPath(p.Driver, p.DeviceID, p.Finger, p.Username)
	if err := os.MkdirAll(filepath.Dir(path), dirPerms); err != nil {
		return fmt.Errorf("creating print directory: %w", err)
	}
	if err := os.WriteFile(path, buf, filePerms); err != nil {
		return fmt.Errorf("writing print %s: %w", path, err)
	}
	logging.Debugf("saved print %s", path)
	return nil
}

// Load reads the template for the given tuple. It returns ErrNotFound when
// the file does not exist and rejects records whose identity does not match
// the requested device.
func (s *Store) Load(driver, deviceID string, finger biometric.Finger, username string) (*biometric.Print, error) {
	path := s.printPath(driver, deviceID, finger, username)
	buf, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading print %s: %w", path, err)
	}

	var rec record
	if err := json.Unmarshal(buf, &rec); err != nil {
		return nil, fmt.Errorf("parsing print %s: %w", path, err)
	}
	if rec.Driver != driver || rec.DeviceID != deviceID {
		return nil, fmt.Errorf("print %s is not compatible with device %s/%s", path, driver, deviceID)
	}

	data, err := base64.StdEncoding.DecodeString(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding print payload %s: %w", path, err)
	}
	date, err := time.Parse(time.RFC3339, rec.EnrollDate)
	if err != nil {
		date = time.Time{}
	}

	return &biometric.Print{
		Driver:     rec.Driver,
		DeviceID:   rec.DeviceID,
		Finger:     biometric.Finger(rec.Finger),
		Username:   rec.Username,
		EnrollDate: date,
		Data:       data,
	}, nil
}

// Delete removes the template for the given tuple. Deleting a template that
// does not exist is not an error.
func (s *Store) Delete(driver, deviceID string, finger biometric.Finger, username string) error {
	path := s.printPath(driver, deviceID, finger, username)
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// DiscoverPrints lists the fingers a user has enrolled on a device, in
// finger-code order. Files that are not valid finger codes are skipped.
func (s *Store) DiscoverPrints(driver, deviceID, username string) ([]biometric.Finger, error) {
	dir := s.deviceDir(driver, deviceID, username)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}

	var fingers []biometric.Finger
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		f, ok := biometric.FingerFromHex(ent.Name())
		if !ok {
			logging.Debugf("skipping print file %q in %s", ent.Name(), dir)
			continue
		}
		fingers = append(fingers, f)
	}
	sort.Slice(fingers, func(i, j int) bool { return fingers[i] < fingers[j] })
	return fingers, nil
}

// DiscoverUsers lists every user with stored templates.
func (s *Store) DiscoverUsers() ([]string, error) {
	entries, err := os.ReadDir(s.base)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", s.base, err)
	}

	var users []string
	for _, ent := range entries {
		if ent.IsDir() {
			users = append(users, ent.Name())
		}
	}
	sort.Strings(users)
	return users, nil
}
