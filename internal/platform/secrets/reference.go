package secrets

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const latestVersion = "latest"

// Reference names one Secret Manager secret version. The text form is
// secret://name[?version=N&project=P]; sm:// is accepted as an alias.
type Reference struct {
	Name    string
	Version string
	// Project overrides the fetcher's default project when set.
	Project string
}

func ParseReference(raw string) (Reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Reference{}, errors.New("secrets: empty reference")
	}
	if rest, ok := strings.CutPrefix(raw, "sm://"); ok {
		raw = "secret://" + rest
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Reference{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return Reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return Reference{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}
	ref := Reference{
		Name:    name,
		Version: strings.TrimSpace(u.Query().Get("version")),
		Project: strings.TrimSpace(u.Query().Get("project")),
	}
	if ref.Version == "" {
		ref.Version = latestVersion
	}
	return ref, nil
}

func (r Reference) String() string {
	out := "secret://" + r.Name
	query := url.Values{}
	if r.Version != "" && r.Version != latestVersion {
		query.Set("version", r.Version)
	}
	if r.Project != "" {
		query.Set("project", r.Project)
	}
	if len(query) > 0 {
		out += "?" + query.Encode()
	}
	return out
}

// resource returns the Secret Manager version path, or "" when no project is known.
func (r Reference) resource(defaultProject string) string {
	project := r.Project
	if project == "" {
		project = defaultProject
	}
	if project == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, r.Name, r.Version)
}

// localKeys lists the local file keys for r, most specific first. Keys follow dotenv naming, so a
// pinned version is written name.version and dashes become underscores.
func (r Reference) localKeys() []string {
	name := strings.ReplaceAll(r.Name, "-", "_")
	if r.Version == latestVersion {
		return []string{name}
	}
	return []string{name + "." + r.Version, name}
}
