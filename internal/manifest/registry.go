package manifest

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Format 描述一种模型发布格式：基础目录下固定存在的伴随文件，
// 以及可选的索引文件（列出真正的权重分片）。
type Format struct {
	Name        string
	Description string
	// Companions 为相对于基础 URL 的文件名，总会被预取。
	Companions []string
	// Index 为需要立即拉取并解析的索引文件名，空表示没有索引。
	Index string
	// ParseIndex 从索引内容中提取分片的相对路径。
	ParseIndex func(data []byte) ([]string, error)
}

var globalRegistry = newRegistry()

type registry struct {
	mu      sync.RWMutex
	formats map[string]Format
}

func newRegistry() *registry {
	return &registry{formats: make(map[string]Format)}
}

// Register 将格式加入全局注册表，重复名称会返回错误。
func Register(format Format) error {
	return globalRegistry.register(format)
}

// MustRegister 在注册失败时 panic，适合 init() 中调用。
func MustRegister(format Format) {
	if err := Register(format); err != nil {
		panic(err)
	}
}

// Resolve 返回指定名称的格式定义，名称大小写不敏感。
func Resolve(name string) (Format, bool) {
	return globalRegistry.resolve(name)
}

// Names 返回已注册格式名称（已排序），用于配置校验与诊断输出。
func Names() []string {
	return globalRegistry.names()
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *registry) register(format Format) error {
	name := normalizeName(format.Name)
	if name == "" {
		return fmt.Errorf("manifest format name is required")
	}
	if format.Index != "" && format.ParseIndex == nil {
		return fmt.Errorf("manifest format %s declares an index without a parser", name)
	}
	format.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.formats[name]; exists {
		return fmt.Errorf("manifest format %s already registered", name)
	}
	r.formats[name] = format
	return nil
}

func (r *registry) resolve(name string) (Format, bool) {
	normalized := normalizeName(name)
	if normalized == "" {
		return Format{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	format, ok := r.formats[normalized]
	return format, ok
}

func (r *registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, 0, len(r.formats))
	for name := range r.formats {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}
