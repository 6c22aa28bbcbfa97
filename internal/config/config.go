package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Ayash-Bera/agregador/internal/models"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Database struct {
		URL string
	}
	Redis struct {
		URL string
	}
	Search  SearchConfig
	Ranking RankingConfig
	Breaker BreakerConfig
	Health  struct {
		Interval time.Duration
	}
	Sources map[string]SourceConfig
	LogLevel string
}

type ServerConfig struct {
	Port               string
	Mode               string
	RateLimitPerMinute int
	// AdminToken guards cache invalidation. Empty disables the endpoint.
	AdminToken string
}

type SearchConfig struct {
	CacheTTL        time.Duration
	CacheMaxEntries int
	SessionTTL      time.Duration
	MaxSessions     int
	RequestTimeout  time.Duration
	SourceTimeout   time.Duration
	DefaultLimit    int
	MaxLimit        int
	OverfetchFactor int
	MaxPerSource    int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
}

type RankingConfig struct {
	LexicalWeight   float64
	RelevanceWeight float64
}

type BreakerConfig struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// SourceConfig is the per-source section under "sources.<name>".
type SourceConfig struct {
	Name          string
	DisplayName   string
	Enabled       bool
	BaseURL       string
	Credential    string
	Auth          models.AuthKind
	RatePerMinute int
	Burst         int
	Priority      float64
	Timeout       time.Duration
	Categories    []string
	ProbePaths    []string
}

type sourceDefaults struct {
	displayName string
	baseURL     string
	auth        models.AuthKind
	rate        int
	burst       int
	categories  []string
	probePaths  []string
}

// Built-in catalogue. Every field can be overridden from config.yaml or env.
var knownSources = map[string]sourceDefaults{
	"camara": {
		displayName: "Câmara dos Deputados",
		baseURL:     "https://dadosabertos.camara.leg.br/api/v2",
		auth:        models.AuthNone,
		rate:        60,
		burst:       5,
		categories:  []string{"legislativo", "proposicoes"},
		probePaths:  []string{"/proposicoes?itens=1", "/deputados?itens=1", "/partidos?itens=1", "/eventos?itens=1"},
	},
	"senado": {
		displayName: "Senado Federal",
		baseURL:     "https://legis.senado.leg.br/dadosabertos",
		auth:        models.AuthNone,
		rate:        30,
		burst:       3,
		categories:  []string{"legislativo", "parlamentares"},
		probePaths:  []string{"/senador/lista/atual.json", "/materia/atualizadas.json", "/comissao/lista/permanente.json"},
	},
	"ibge": {
		displayName: "IBGE",
		baseURL:     "https://servicodados.ibge.gov.br/api",
		auth:        models.AuthNone,
		rate:        60,
		burst:       5,
		categories:  []string{"estatisticas", "noticias"},
		probePaths:  []string{"/v3/noticias/?qtd=1", "/v1/localidades/estados", "/v3/agregados?acervo=S"},
	},
	"transparencia": {
		displayName: "Portal da Transparência",
		baseURL:     "https://api.portaldatransparencia.gov.br",
		auth:        models.AuthKey,
		rate:        90,
		burst:       5,
		categories:  []string{"despesas", "orgaos", "transparencia"},
		probePaths:  []string{"/api-de-dados/orgaos-siafi?pagina=1", "/api-de-dados/orgaos-siape?pagina=1", "/api-de-dados/emendas?pagina=1"},
	},
}

// Load reads config.yaml (optional) and the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.rate_limit_per_minute", 120)
	v.SetDefault("server.admin_token", "")
	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("search.cache_ttl", 5*time.Minute)
	v.SetDefault("search.cache_max_entries", 5000)
	v.SetDefault("search.session_ttl", 30*time.Minute)
	v.SetDefault("search.max_sessions", 10000)
	v.SetDefault("search.request_timeout", 8*time.Second)
	v.SetDefault("search.source_timeout", 5*time.Second)
	v.SetDefault("search.default_limit", 20)
	v.SetDefault("search.max_limit", 100)
	v.SetDefault("search.overfetch_factor", 2)
	v.SetDefault("search.max_per_source", 50)
	v.SetDefault("search.backoff_initial", time.Second)
	v.SetDefault("search.backoff_max", 30*time.Second)

	v.SetDefault("ranking.lexical_weight", 0.7)
	v.SetDefault("ranking.relevance_weight", 0.3)

	v.SetDefault("breaker.max_failures", 5)
	v.SetDefault("breaker.open_timeout", 30*time.Second)

	v.SetDefault("health.interval", time.Minute)

	for name, d := range knownSources {
		prefix := "sources." + name + "."
		v.SetDefault(prefix+"enabled", true)
		v.SetDefault(prefix+"display_name", d.displayName)
		v.SetDefault(prefix+"base_url", d.baseURL)
		v.SetDefault(prefix+"credential", "")
		v.SetDefault(prefix+"auth", string(d.auth))
		v.SetDefault(prefix+"rate_per_minute", d.rate)
		v.SetDefault(prefix+"burst", d.burst)
		v.SetDefault(prefix+"priority", 1.0)
		v.SetDefault(prefix+"timeout", time.Duration(0))
		v.SetDefault(prefix+"categories", d.categories)
		v.SetDefault(prefix+"probe_paths", d.probePaths)
	}
}

func fromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	cfg.Server.Port = v.GetString("server.port")
	cfg.Server.Mode = v.GetString("server.mode")
	cfg.Server.RateLimitPerMinute = v.GetInt("server.rate_limit_per_minute")
	cfg.Server.AdminToken = v.GetString("server.admin_token")
	cfg.Database.URL = v.GetString("database.url")
	cfg.Redis.URL = v.GetString("redis.url")
	cfg.LogLevel = v.GetString("log_level")

	cfg.Search = SearchConfig{
		CacheTTL:        v.GetDuration("search.cache_ttl"),
		CacheMaxEntries: v.GetInt("search.cache_max_entries"),
		SessionTTL:      v.GetDuration("search.session_ttl"),
		MaxSessions:     v.GetInt("search.max_sessions"),
		RequestTimeout:  v.GetDuration("search.request_timeout"),
		SourceTimeout:   v.GetDuration("search.source_timeout"),
		DefaultLimit:    v.GetInt("search.default_limit"),
		MaxLimit:        v.GetInt("search.max_limit"),
		OverfetchFactor: v.GetInt("search.overfetch_factor"),
		MaxPerSource:    v.GetInt("search.max_per_source"),
		BackoffInitial:  v.GetDuration("search.backoff_initial"),
		BackoffMax:      v.GetDuration("search.backoff_max"),
	}
	cfg.Ranking = RankingConfig{
		LexicalWeight:   v.GetFloat64("ranking.lexical_weight"),
		RelevanceWeight: v.GetFloat64("ranking.relevance_weight"),
	}
	cfg.Breaker = BreakerConfig{
		MaxFailures: v.GetUint32("breaker.max_failures"),
		OpenTimeout: v.GetDuration("breaker.open_timeout"),
	}
	cfg.Health.Interval = v.GetDuration("health.interval")

	cfg.Sources = make(map[string]SourceConfig)
	for _, name := range sourceNamesFrom(v) {
		prefix := "sources." + name + "."
		sc := SourceConfig{
			Name:          name,
			DisplayName:   v.GetString(prefix + "display_name"),
			Enabled:       v.GetBool(prefix + "enabled"),
			BaseURL:       strings.TrimRight(v.GetString(prefix+"base_url"), "/"),
			Credential:    v.GetString(prefix + "credential"),
			Auth:          models.AuthKind(v.GetString(prefix + "auth")),
			RatePerMinute: v.GetInt(prefix + "rate_per_minute"),
			Burst:         v.GetInt(prefix + "burst"),
			Priority:      v.GetFloat64(prefix + "priority"),
			Timeout:       v.GetDuration(prefix + "timeout"),
			Categories:    v.GetStringSlice(prefix + "categories"),
			ProbePaths:    v.GetStringSlice(prefix + "probe_paths"),
		}
		if sc.DisplayName == "" {
			sc.DisplayName = name
		}
		if sc.Auth == "" {
			sc.Auth = models.AuthNone
		}
		if sc.Burst <= 0 {
			sc.Burst = 1
		}
		if sc.Priority <= 0 {
			sc.Priority = 1.0
		}
		if sc.Timeout <= 0 {
			sc.Timeout = cfg.Search.SourceTimeout
		}
		cfg.Sources[name] = sc
	}

	if key := os.Getenv("PORTAL_TRANSPARENCIA_KEY"); key != "" {
		if sc, ok := cfg.Sources["transparencia"]; ok && sc.Credential == "" {
			sc.Credential = key
			cfg.Sources["transparencia"] = sc
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// sourceNamesFrom lists every source named by defaults, the config file or env
// overrides already known to viper.
func sourceNamesFrom(v *viper.Viper) []string {
	seen := make(map[string]struct{})
	for name := range knownSources {
		seen[name] = struct{}{}
	}
	for _, key := range v.AllKeys() {
		parts := strings.SplitN(key, ".", 3)
		if len(parts) == 3 && parts[0] == "sources" {
			seen[parts[1]] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate rejects configurations the search core cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if c.Search.RequestTimeout <= 0 || c.Search.SourceTimeout <= 0 {
		return fmt.Errorf("search timeouts must be positive")
	}
	if c.Search.CacheTTL <= 0 || c.Search.SessionTTL <= 0 {
		return fmt.Errorf("search.cache_ttl and search.session_ttl must be positive")
	}
	if c.Search.DefaultLimit < 1 || c.Search.MaxLimit < c.Search.DefaultLimit {
		return fmt.Errorf("search limits are inconsistent: default=%d max=%d", c.Search.DefaultLimit, c.Search.MaxLimit)
	}
	if c.Search.OverfetchFactor < 1 || c.Search.MaxPerSource < 1 || c.Search.MaxSessions < 1 || c.Search.CacheMaxEntries < 1 {
		return fmt.Errorf("search.overfetch_factor, max_per_source, max_sessions and cache_max_entries must be positive")
	}
	for name, sc := range c.Sources {
		if !sc.Enabled {
			continue
		}
		if sc.BaseURL == "" {
			return fmt.Errorf("source %s: base_url is required", name)
		}
		if sc.RatePerMinute <= 0 {
			return fmt.Errorf("source %s: rate_per_minute must be positive", name)
		}
		switch sc.Auth {
		case models.AuthNone, models.AuthKey, models.AuthToken:
		default:
			return fmt.Errorf("source %s: unknown auth kind %q", name, sc.Auth)
		}
	}
	return nil
}

// Descriptor builds the immutable descriptor for the source.
func (s SourceConfig) Descriptor() models.SourceDescriptor {
	categories := make([]string, len(s.Categories))
	copy(categories, s.Categories)
	return models.SourceDescriptor{
		Name:          s.Name,
		DisplayName:   s.DisplayName,
		Categories:    categories,
		BaseURL:       s.BaseURL,
		Auth:          s.Auth,
		HasCredential: s.Credential != "",
		RatePerMinute: s.RatePerMinute,
		Burst:         s.Burst,
		Priority:      s.Priority,
		Enabled:       s.Enabled,
	}
}

// SourceNames returns the configured source names in sorted order.
func (c *Config) SourceNames() []string {
	names := make([]string, 0, len(c.Sources))
	for name := range c.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// QueryLimits returns the page size bounds for incoming requests.
func (c *Config) QueryLimits() models.QueryLimits {
	return models.QueryLimits{Default: c.Search.DefaultLimit, Max: c.Search.MaxLimit}
}

// Priorities maps each source to its ranking weight.
func (c *Config) Priorities() map[string]float64 {
	priorities := make(map[string]float64, len(c.Sources))
	for name, sc := range c.Sources {
		priorities[name] = sc.Priority
	}
	return priorities
}
