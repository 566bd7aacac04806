// Package seed loads registered applications and vanity codes from a
// YAML file into the store and keeps the store in step with the file.
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"regexp"

	"github.com/alexjbarnes/authlink/internal/models"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

const (
	maxRedirectURIs    = 10
	maxRedirectURILen  = 2000
	maxApplicationName = 100
)

var vanityCodePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// File is the on-disk seed document.
type File struct {
	Applications []models.Application `yaml:"applications"`
	VanityCodes  []models.VanityCode  `yaml:"vanity_codes"`
}

// Store is the subset of the relational store seeding writes to.
type Store interface {
	SaveApplication(ctx context.Context, app models.Application) error
	AllApplications(ctx context.Context) ([]models.Application, error)
	DeleteApplication(ctx context.Context, clientID string) error
	SaveVanityCode(ctx context.Context, vc models.VanityCode) error
	AllVanityCodes(ctx context.Context) ([]models.VanityCode, error)
	DeleteVanityCode(ctx context.Context, code string) error
}

// Load reads and validates a seed file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates seed YAML. Unknown fields are rejected so
// a typo cannot silently drop a redirect URI.
func Parse(data []byte) (*File, error) {
	var f File

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}

	return &f, nil
}

// Validate checks every record and the relations between them.
func (f *File) Validate() error {
	var errs []error

	apps := make(map[string]*models.Application, len(f.Applications))

	for i := range f.Applications {
		app := &f.Applications[i]

		if err := validateApplication(app); err != nil {
			errs = append(errs, fmt.Errorf("application %d: %w", i, err))
			continue
		}

		if _, dup := apps[app.ClientID]; dup {
			errs = append(errs, fmt.Errorf("application %q: duplicate client_id", app.ClientID))
			continue
		}

		apps[app.ClientID] = app
	}

	codes := make(map[string]bool, len(f.VanityCodes))
	owners := make(map[string]string, len(f.VanityCodes))

	for _, vc := range f.VanityCodes {
		if err := validateVanityCode(vc, apps); err != nil {
			errs = append(errs, fmt.Errorf("vanity code %q: %w", vc.Code, err))
			continue
		}

		if codes[vc.Code] {
			errs = append(errs, fmt.Errorf("vanity code %q: duplicate", vc.Code))
			continue
		}

		if other, ok := owners[vc.ClientID]; ok {
			errs = append(errs, fmt.Errorf("vanity code %q: client %q already has %q", vc.Code, vc.ClientID, other))
			continue
		}

		codes[vc.Code] = true
		owners[vc.ClientID] = vc.Code
	}

	return errors.Join(errs...)
}

func validateApplication(app *models.Application) error {
	if app.ClientID == "" {
		return errors.New("client_id is required")
	}

	if app.Name == "" || len(app.Name) > maxApplicationName {
		return fmt.Errorf("name must be 1 to %d characters", maxApplicationName)
	}

	if _, err := bcrypt.Cost([]byte(app.SecretHash)); err != nil {
		return fmt.Errorf("client_secret_hash is not a bcrypt hash (use authlink hash-secret): %w", err)
	}

	if len(app.RedirectURIs) == 0 || len(app.RedirectURIs) > maxRedirectURIs {
		return fmt.Errorf("between 1 and %d redirect_uris required", maxRedirectURIs)
	}

	for _, uri := range app.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return err
		}
	}

	return nil
}

func validateRedirectURI(uri string) error {
	if len(uri) > maxRedirectURILen {
		return fmt.Errorf("redirect uri longer than %d characters", maxRedirectURILen)
	}

	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("redirect uri %q: %w", uri, err)
	}

	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("redirect uri %q must be absolute", uri)
	}

	if u.Fragment != "" {
		return fmt.Errorf("redirect uri %q must not contain a fragment", uri)
	}

	return nil
}

func validateVanityCode(vc models.VanityCode, apps map[string]*models.Application) error {
	if !vanityCodePattern.MatchString(vc.Code) {
		return errors.New("must be 1 to 100 of A-Z a-z 0-9 _ -")
	}

	if term := Reserved(vc.Code); term != "" {
		return fmt.Errorf("contains the reserved term %q", term)
	}

	app, ok := apps[vc.ClientID]
	if !ok {
		return fmt.Errorf("unknown client_id %q", vc.ClientID)
	}

	for _, s := range vc.Scopes {
		if !models.ValidScope(s) {
			return fmt.Errorf("invalid scope %q", s)
		}
	}

	if vc.RedirectURI != "" && !app.HasRedirectURI(vc.RedirectURI) {
		return fmt.Errorf("redirect_uri %q is not registered for the client", vc.RedirectURI)
	}

	switch vc.Prompt {
	case "", "none", "consent":
	default:
		return fmt.Errorf("prompt must be none or consent, got %q", vc.Prompt)
	}

	return nil
}

// Apply makes the store match f: records in the file are written,
// applications and vanity codes missing from it are deleted. Deleting
// an application also removes its grants and tokens.
func Apply(ctx context.Context, store Store, f *File, logger *slog.Logger) error {
	keepApps := make(map[string]bool, len(f.Applications))

	for _, app := range f.Applications {
		if err := store.SaveApplication(ctx, app); err != nil {
			return fmt.Errorf("saving application %s: %w", app.ClientID, err)
		}

		keepApps[app.ClientID] = true
	}

	keepCodes := make(map[string]bool, len(f.VanityCodes))

	for _, vc := range f.VanityCodes {
		if err := store.SaveVanityCode(ctx, vc); err != nil {
			return fmt.Errorf("saving vanity code %s: %w", vc.Code, err)
		}

		keepCodes[vc.Code] = true
	}

	existingCodes, err := store.AllVanityCodes(ctx)
	if err != nil {
		return fmt.Errorf("listing vanity codes: %w", err)
	}

	for _, vc := range existingCodes {
		if keepCodes[vc.Code] {
			continue
		}

		if err := store.DeleteVanityCode(ctx, vc.Code); err != nil {
			return fmt.Errorf("deleting vanity code %s: %w", vc.Code, err)
		}

		logger.Info("vanity code removed", slog.String("code", vc.Code))
	}

	existingApps, err := store.AllApplications(ctx)
	if err != nil {
		return fmt.Errorf("listing applications: %w", err)
	}

	for _, app := range existingApps {
		if keepApps[app.ClientID] {
			continue
		}

		if err := store.DeleteApplication(ctx, app.ClientID); err != nil {
			return fmt.Errorf("deleting application %s: %w", app.ClientID, err)
		}

		logger.Info("application removed", slog.String("client_id", app.ClientID))
	}

	logger.Info("seed applied",
		slog.Int("applications", len(f.Applications)),
		slog.Int("vanity_codes", len(f.VanityCodes)),
	)

	return nil
}
