package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	AI        AIConfig
	Store     StoreConfig
	Knowledge KnowledgeConfig
	Auth      AuthConfig
	Persist   PersistConfig
	Chat      ChatConfig
	Secrets   SecretsConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	knowledge, err := loadKnowledgeConfig()
	if err != nil {
		return nil, err
	}

	auth, err := loadAuthConfig()
	if err != nil {
		return nil, err
	}

	persist, err := loadPersistConfig()
	if err != nil {
		return nil, err
	}

	chat, err := loadChatConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		Log:       logCfg,
		AI:        ai,
		Store:     store,
		Knowledge: knowledge,
		Auth:      auth,
		Persist:   persist,
		Chat:      chat,
		Secrets:   SecretsConfig{ParamPrefix: strings.TrimRight(getEnvOrDefault("PARAM_PREFIX", ""), "/")},
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
	// AllowedOrigins 可携带凭证跨域访问的来源，其余来源只拿到通配的 CORS 头。
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址与跨域来源。
func loadServerConfig() (ServerConfig, error) {
	origins := parseListEnv("CORS_ALLOWED_ORIGINS")

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey         string
	AccessKey      string
	SecretKey      string
	Model          string
	BaseURL        string
	Region         string
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	SystemPrompt   string
	HistoryLimit   int
	KnowledgeTopK  int
	ToolMaxRounds  int
	RegionMarkers  []string
	APIKeyParamKey string
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

// DefaultRegionMarkers 是判定供应商区域限制错误的默认子串。
var DefaultRegionMarkers = []string{
	"unsupported_country_region_territory",
	"country, region, or territory not supported",
	"region not supported",
	"not available in your region",
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	historyLimit, err := parseIntEnv("AI_HISTORY_LIMIT", 20)
	if err != nil {
		return AIConfig{}, err
	}

	topK, err := parseIntEnv("AI_KNOWLEDGE_TOP_K", 8)
	if err != nil {
		return AIConfig{}, err
	}
	if topK < 1 {
		topK = 1
	}

	rounds, err := parseIntEnv("AI_TOOL_MAX_ROUNDS", 3)
	if err != nil {
		return AIConfig{}, err
	}
	if rounds < 1 {
		rounds = 1
	}

	markers := parseListEnv("AI_REGION_ERROR_MARKERS")
	if len(markers) == 0 {
		markers = append([]string(nil), DefaultRegionMarkers...)
	}

	return AIConfig{
		APIKey:         strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:      strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:      strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:          strings.TrimSpace(os.Getenv("Model")),
		BaseURL:        getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:         getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:    temperature,
		TopP:           topP,
		MaxTokens:      maxTokens,
		SystemPrompt:   strings.TrimSpace(os.Getenv("AI_SYSTEM_PROMPT")),
		HistoryLimit:   historyLimit,
		KnowledgeTopK:  topK,
		ToolMaxRounds:  rounds,
		RegionMarkers:  markers,
		APIKeyParamKey: getEnvOrDefault("ARK_API_KEY_PARAM", "ark-api-key"),
	}, nil
}

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StoreDynamoDB = "dynamodb"
	StoreNone     = "none"
)

// StoreConfig 描述持久化后端。
type StoreConfig struct {
	Backend       string
	SQLitePath    string
	DynamoDBTable string
}

func loadStoreConfig() (StoreConfig, error) {
	backend := strings.ToLower(getEnvOrDefault("STORE_BACKEND", StoreSQLite))
	cfg := StoreConfig{
		Backend:       backend,
		SQLitePath:    getEnvOrDefault("SQLITE_PATH", "data/sales.db"),
		DynamoDBTable: strings.TrimSpace(os.Getenv("DYNAMODB_TABLE")),
	}

	switch backend {
	case StoreSQLite, StoreNone:
	case StoreDynamoDB:
		if cfg.DynamoDBTable == "" {
			return StoreConfig{}, fmt.Errorf("DYNAMODB_TABLE is required when STORE_BACKEND=dynamodb")
		}
	default:
		return StoreConfig{}, fmt.Errorf("invalid STORE_BACKEND value %q", backend)
	}
	return cfg, nil
}

// KnowledgeConfig 描述知识库索引配置。
type KnowledgeConfig struct {
	Enabled bool
	DBPath  string
}

func loadKnowledgeConfig() (KnowledgeConfig, error) {
	enabled, err := parseBoolEnv("KNOWLEDGE_ENABLED", true)
	if err != nil {
		return KnowledgeConfig{}, err
	}
	return KnowledgeConfig{
		Enabled: enabled,
		DBPath:  getEnvOrDefault("KNOWLEDGE_DB_PATH", "data/knowledge.db"),
	}, nil
}

// AuthConfig 描述身份交换与默认归属账号。
type AuthConfig struct {
	SupabaseURL    string
	ServiceRoleKey string
	DefaultOwnerID string
	CacheTTL       time.Duration
	KeyParamKey    string
}

// Enabled reports whether bearer tokens can be exchanged.
func (c AuthConfig) Enabled() bool {
	return c.SupabaseURL != "" && c.ServiceRoleKey != ""
}

func loadAuthConfig() (AuthConfig, error) {
	ttl, err := parseDurationEnv("AUTH_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return AuthConfig{}, err
	}
	return AuthConfig{
		SupabaseURL:    strings.TrimRight(getEnvOrDefault("SUPABASE_URL", ""), "/"),
		ServiceRoleKey: strings.TrimSpace(os.Getenv("SUPABASE_SERVICE_ROLE_KEY")),
		DefaultOwnerID: strings.TrimSpace(os.Getenv("DEFAULT_OWNER_USER_ID")),
		CacheTTL:       ttl,
		KeyParamKey:    getEnvOrDefault("SUPABASE_KEY_PARAM", "supabase-service-role-key"),
	}, nil
}

// Deferred execution modes.
const (
	DeferredAsync  = "async"
	DeferredInline = "inline"
)

// PersistConfig 控制对话记录写入。
type PersistConfig struct {
	MaxChars     int
	RetryChars   int
	Timeout      time.Duration
	DeferredMode string
	DrainTimeout time.Duration
}

func loadPersistConfig() (PersistConfig, error) {
	maxChars, err := parseIntEnv("PERSIST_MAX_CHARS", 16000)
	if err != nil {
		return PersistConfig{}, err
	}
	retryChars, err := parseIntEnv("PERSIST_RETRY_CHARS", 4000)
	if err != nil {
		return PersistConfig{}, err
	}
	if maxChars < 64 {
		return PersistConfig{}, fmt.Errorf("invalid PERSIST_MAX_CHARS value %d: must be >= 64", maxChars)
	}
	if retryChars < 32 || retryChars >= maxChars {
		retryChars = maxChars / 4
	}

	timeout, err := parseDurationEnv("PERSIST_TIMEOUT", 10*time.Second)
	if err != nil {
		return PersistConfig{}, err
	}
	drain, err := parseDurationEnv("DEFERRED_DRAIN_TIMEOUT", 15*time.Second)
	if err != nil {
		return PersistConfig{}, err
	}

	mode := strings.ToLower(getEnvOrDefault("DEFERRED_MODE", DeferredAsync))
	if mode != DeferredAsync && mode != DeferredInline {
		return PersistConfig{}, fmt.Errorf("invalid DEFERRED_MODE value %q", mode)
	}

	return PersistConfig{
		MaxChars:     maxChars,
		RetryChars:   retryChars,
		Timeout:      timeout,
		DeferredMode: mode,
		DrainTimeout: drain,
	}, nil
}

// DefaultFallbackText 在供应商区域限制时回复给访客。
const DefaultFallbackText = "目前自動回覆暫時無法使用，很抱歉造成不便。歡迎留下您的聯絡方式，我們的顧問會盡快與您聯繫。"

// ChatConfig 控制对话编排的文案与触发词表。
type ChatConfig struct {
	FallbackText   string
	GatedText      string
	VocabularyFile string
	MaxBodyBytes   int64
}

func loadChatConfig() (ChatConfig, error) {
	maxBody, err := parseIntEnv("CHAT_MAX_BODY_BYTES", 1<<20)
	if err != nil {
		return ChatConfig{}, err
	}
	return ChatConfig{
		FallbackText:   getEnvOrDefault("CHAT_FALLBACK_TEXT", DefaultFallbackText),
		GatedText:      strings.TrimSpace(os.Getenv("CHAT_GATED_TEXT")),
		VocabularyFile: strings.TrimSpace(os.Getenv("LEAD_TRIGGER_VOCAB_FILE")),
		MaxBodyBytes:   int64(maxBody),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return *val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

// parseListEnv 解析逗号分隔的列表，忽略空项并转为小写。
func parseListEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}

	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
