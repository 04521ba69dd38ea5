package foundry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DatasetRef identifies a dataset RID and branch.
type DatasetRef struct {
	RID    string
	Branch string
}

// Services are the Foundry base URLs the warehouse calls.
type Services struct {
	APIGateway string
	// StreamProxy is only needed for stream notifications; it defaults to the gateway's sibling.
	StreamProxy string
}

// Env is the runtime configuration of a warehouse compute module.
type Env struct {
	Services Services
	// DefaultCAPath is a PEM bundle to trust for TLS, from DEFAULT_CA_PATH.
	DefaultCAPath string
	Token         string
	// Aliases maps resource aliases such as "silver_beneficiary" to datasets.
	Aliases map[string]DatasetRef
}

// LoadEnv reads the module environment.
//
// Required:
//   - FOUNDRY_SERVICE_DISCOVERY_V2 (file path) or FOUNDRY_URL
//   - BUILD2_TOKEN (file path) or FOUNDRY_TOKEN (value or file path)
//   - RESOURCE_ALIAS_MAP (file path)
//
// FOUNDRY_BRANCH, when set, is the branch of every alias that does not name one.
func LoadEnv() (Env, error) {
	services, err := loadServicesFromEnv()
	if err != nil {
		return Env{}, err
	}
	token, err := loadToken()
	if err != nil {
		return Env{}, err
	}
	aliases, err := readAliasMapEnv("RESOURCE_ALIAS_MAP", strings.TrimSpace(os.Getenv("FOUNDRY_BRANCH")))
	if err != nil {
		return Env{}, err
	}
	return Env{
		Services:      services,
		DefaultCAPath: strings.TrimSpace(os.Getenv("DEFAULT_CA_PATH")),
		Token:         token,
		Aliases:       aliases,
	}, nil
}

// Missing returns the wanted aliases absent from the alias map, sorted.
func (e Env) Missing(wanted ...string) []string {
	var out []string
	for _, a := range wanted {
		if ref, ok := e.Aliases[a]; !ok || strings.TrimSpace(ref.RID) == "" {
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}

func loadToken() (string, error) {
	if p := strings.TrimSpace(os.Getenv("BUILD2_TOKEN")); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return "", fmt.Errorf("read BUILD2_TOKEN file: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	v := strings.TrimSpace(os.Getenv("FOUNDRY_TOKEN"))
	if v == "" {
		return "", fmt.Errorf("BUILD2_TOKEN or FOUNDRY_TOKEN is required")
	}
	if fi, err := os.Stat(v); err == nil && !fi.IsDir() {
		b, err := os.ReadFile(v)
		if err != nil {
			return "", fmt.Errorf("read FOUNDRY_TOKEN file: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return v, nil
}

func loadServicesFromEnv() (Services, error) {
	if p := strings.TrimSpace(os.Getenv("FOUNDRY_SERVICE_DISCOVERY_V2")); p != "" {
		return loadServicesFromDiscoveryFile(p)
	}
	foundryURL := strings.TrimSpace(os.Getenv("FOUNDRY_URL"))
	if foundryURL == "" {
		return Services{}, fmt.Errorf("FOUNDRY_SERVICE_DISCOVERY_V2 or FOUNDRY_URL is required")
	}
	if !strings.Contains(foundryURL, "://") {
		foundryURL = "https://" + foundryURL
	}
	foundryURL = strings.TrimRight(foundryURL, "/")
	return Services{
		APIGateway:  foundryURL + "/api",
		StreamProxy: foundryURL + "/stream-proxy/api",
	}, nil
}

// loadServicesFromDiscoveryFile reads the compute-module discovery YAML, where each service id
// maps to a list whose first entry is the base URL:
//
//	api_gateway:
//	  - https://<stack>.palantirfoundry.com/api
func loadServicesFromDiscoveryFile(path string) (Services, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Services{}, fmt.Errorf("read FOUNDRY_SERVICE_DISCOVERY_V2 file: %w", err)
	}
	var raw map[string][]string
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return Services{}, fmt.Errorf("parse FOUNDRY_SERVICE_DISCOVERY_V2 YAML: %w", err)
	}
	first := func(key string) string {
		if vals := raw[key]; len(vals) > 0 {
			return strings.TrimRight(strings.TrimSpace(vals[0]), "/")
		}
		return ""
	}

	s := Services{APIGateway: first("api_gateway"), StreamProxy: first("stream_proxy")}
	if s.APIGateway == "" {
		return Services{}, fmt.Errorf("FOUNDRY_SERVICE_DISCOVERY_V2 missing api_gateway")
	}
	if s.StreamProxy == "" {
		s.StreamProxy = strings.TrimSuffix(s.APIGateway, "/api") + "/stream-proxy/api"
	}
	return s, nil
}

func readAliasMapEnv(varName, defaultBranch string) (map[string]DatasetRef, error) {
	path := strings.TrimSpace(os.Getenv(varName))
	if path == "" {
		return nil, fmt.Errorf("%s is required", varName)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s file: %w", varName, err)
	}

	var raw map[string]struct {
		RID    string  `json:"rid"`
		Branch *string `json:"branch"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse %s JSON: %w", varName, err)
	}
	out := make(map[string]DatasetRef, len(raw))
	for k, v := range raw {
		if strings.TrimSpace(v.RID) == "" {
			return nil, fmt.Errorf("alias %q: rid is required", k)
		}
		ref := DatasetRef{RID: strings.TrimSpace(v.RID), Branch: defaultBranch}
		if v.Branch != nil && strings.TrimSpace(*v.Branch) != "" {
			ref.Branch = strings.TrimSpace(*v.Branch)
		}
		out[k] = ref
	}
	return out, nil
}
