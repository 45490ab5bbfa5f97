// Package naming генерирует одноразовые имена топиков и consumer group,
// чтобы параллельные прогоны тестов не пересекались на общем брокере.
package naming

import (
	"math/rand/v2"
	"sync"
)

const (
	// DefaultPrefix используется и для топиков, и для групп.
	DefaultPrefix = "__test_"

	// SuffixLen — длина случайного хвоста имени.
	SuffixLen = 10

	alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Generator выдаёт имена вида prefix + SuffixLen символов [A-Za-z0-9].
// Безопасен для конкурентного использования.
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand

	topicPrefix string
	groupPrefix string
}

// Option настраивает Generator.
type Option func(*Generator)

// WithTopicPrefix задаёт префикс для Topic().
func WithTopicPrefix(p string) Option { return func(g *Generator) { g.topicPrefix = p } }

// WithGroupPrefix задаёт префикс для Group().
func WithGroupPrefix(p string) Option { return func(g *Generator) { g.groupPrefix = p } }

// NewGenerator создаёт генератор поверх src. nil → PCG, засеянный из
// глобального источника процесса.
func NewGenerator(src rand.Source, opts ...Option) *Generator {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	g := &Generator{
		rnd:         rand.New(src),
		topicPrefix: DefaultPrefix,
		groupPrefix: DefaultPrefix,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// New возвращает prefix + SuffixLen случайных буквенно-цифровых символов.
func (g *Generator) New(prefix string) string {
	buf := make([]byte, len(prefix)+SuffixLen)
	copy(buf, prefix)

	g.mu.Lock()
	for i := len(prefix); i < len(buf); i++ {
		buf[i] = alphabet[g.rnd.IntN(len(alphabet))]
	}
	g.mu.Unlock()

	return string(buf)
}

// Topic — свежее имя топика.
func (g *Generator) Topic() string { return g.New(g.topicPrefix) }

// Group — свежее имя consumer group.
func (g *Generator) Group() string { return g.New(g.groupPrefix) }

var defaultGenerator = NewGenerator(nil)

// TopicName — имя топика от генератора по умолчанию.
func TopicName() string { return defaultGenerator.Topic() }

// GroupName — имя группы от генератора по умолчанию.
func GroupName() string { return defaultGenerator.Group() }
