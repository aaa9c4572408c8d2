package domain

import (
	"sort"
	"strings"
)

// Capability — тег, которым воркер объявляет, что умеет выполнять класс payload.
type Capability string

// Известные возможности.
const (
	CapPython     Capability = "python"
	CapJavaScript Capability = "javascript"
	CapWasm       Capability = "wasm"
	CapDocker     Capability = "docker"
	CapShell      Capability = "shell"
	CapHTTP       Capability = "http"
	CapBuiltin    Capability = "builtin"
	CapGPU        Capability = "gpu"
	CapROS2       Capability = "ros2"
)

var knownCapabilities = map[Capability]bool{
	CapPython:     true,
	CapJavaScript: true,
	CapWasm:       true,
	CapDocker:     true,
	CapShell:      true,
	CapHTTP:       true,
	CapBuiltin:    true,
	CapGPU:        true,
	CapROS2:       true,
}

// capabilityAliases — синонимы, которые встречаются в определениях задач.
var capabilityAliases = map[string]Capability{
	"js":      CapJavaScript,
	"node":    CapJavaScript,
	"py":      CapPython,
	"python3": CapPython,
}

// ParseCapability нормализует строку в Capability.
// Неизвестные теги сохраняются как расширения (IsKnown() == false).
func ParseCapability(s string) Capability {
	s = strings.ToLower(strings.TrimSpace(s))
	if alias, ok := capabilityAliases[s]; ok {
		return alias
	}
	return Capability(s)
}

// IsKnown сообщает, входит ли тег в реестр известных возможностей.
func (c Capability) IsKnown() bool {
	return knownCapabilities[c]
}

// IsExtension — тег не из реестра, но допустимый (forward compatibility).
func (c Capability) IsExtension() bool {
	return c != "" && !c.IsKnown()
}

// KnownCapabilities возвращает отсортированный список известных тегов.
func KnownCapabilities() []Capability {
	out := make([]Capability, 0, len(knownCapabilities))
	for c := range knownCapabilities {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CapabilitySet — множество возможностей.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet создаёт множество из тегов.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s.Add(c)
	}
	return s
}

// ParseCapabilitySet создаёт множество из строк.
func ParseCapabilitySet(caps []string) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s.Add(ParseCapability(c))
	}
	return s
}

// Add добавляет тег; пустые теги игнорируются.
func (s CapabilitySet) Add(c Capability) {
	if c == "" {
		return
	}
	s[c] = struct{}{}
}

// Has проверяет наличие тега.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// SubsetOf возвращает true, если все теги s есть в other.
// Частичное совпадение не засчитывается.
func (s CapabilitySet) SubsetOf(other CapabilitySet) bool {
	for c := range s {
		if !other.Has(c) {
			return false
		}
	}
	return true
}

// Strings возвращает отсортированный список тегов.
func (s CapabilitySet) Strings() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}
