// Package signatures holds the immutable fingerprint database shared by the
// service and web fingerprinters.
package signatures

import (
	_ "embed"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"gopkg.in/yaml.v3"
)

//go:embed signatures.yaml
var defaultDocument []byte

// MatchMethod names where a web signature looks for its pattern.
type MatchMethod string

const (
	MethodHeader  MatchMethod = "header"
	MethodContent MatchMethod = "content"
	MethodScript  MatchMethod = "script"
	MethodCookie  MatchMethod = "cookie"
	MethodURL     MatchMethod = "url"
)

const versionMatchTimeout = 100 * time.Millisecond

// ServiceSignature identifies a network service from its banner or from the
// reply to a probe.
type ServiceSignature struct {
	Name        string
	Category    string
	Port        int
	BannerMatch string
	Probe       []byte
	ProbeMatch  string
	version     *regexp2.Regexp
}

// WebSignature identifies a web technology from one part of an HTTP exchange.
type WebSignature struct {
	Name     string
	Category string
	Group    string
	Method   MatchMethod
	// Field is the header or cookie name for MethodHeader and MethodCookie.
	Field   string
	Pattern string
	version *regexp2.Regexp
}

// Version returns the first capture group of the signature's version regex
// in text, or "" when there is no regex or no match.
func (s ServiceSignature) Version(text string) string {
	return extractVersion(s.version, text)
}

func (s WebSignature) Version(text string) string {
	return extractVersion(s.version, text)
}

// HasProbe reports whether the signature sends bytes of its own.
func (s ServiceSignature) HasProbe() bool {
	return len(s.Probe) > 0
}

func extractVersion(re *regexp2.Regexp, text string) string {
	if re == nil || text == "" {
		return ""
	}
	m, err := re.FindStringMatch(text)
	if err != nil || m == nil {
		return ""
	}
	g := m.GroupByNumber(1)
	if g == nil || len(g.Captures) == 0 {
		return ""
	}
	return g.String()
}

// Store is built once by Load and never mutated afterwards.
type Store struct {
	service   map[int][]ServiceSignature
	web       map[string][]WebSignature
	webGroups []string
}

type document struct {
	Service []serviceEntry        `yaml:"service"`
	Web     map[string][]webEntry `yaml:"web"`
}

type serviceEntry struct {
	Name       string `yaml:"name"`
	Category   string `yaml:"category"`
	Port       int    `yaml:"port"`
	Banner     string `yaml:"banner"`
	Probe      string `yaml:"probe"`
	ProbeHex   string `yaml:"probe_hex"`
	ProbeMatch string `yaml:"probe_match"`
	Version    string `yaml:"version"`
}

type webEntry struct {
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
	Method   string `yaml:"method"`
	Field    string `yaml:"field"`
	Pattern  string `yaml:"pattern"`
	Version  string `yaml:"version"`
}

// Default returns a store built from the embedded signature document.
func Default() (*Store, error) {
	return Parse(defaultDocument)
}

// MustDefault is Default for callers that treat a broken embedded document as
// a programming error.
func MustDefault() *Store {
	s, err := Default()
	if err != nil {
		panic(err)
	}
	return s
}

// LoadFile reads an operator supplied signature document.
func LoadFile(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open signature file: %w", err)
	}
	defer f.Close()
	return Load(f)
}

func Load(r io.Reader) (*Store, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read signatures: %w", err)
	}
	return Parse(data)
}

// Parse builds a store from a YAML document, compiling every version regex.
func Parse(data []byte) (*Store, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse signatures: %w", err)
	}

	s := &Store{
		service: make(map[int][]ServiceSignature),
		web:     make(map[string][]WebSignature),
	}

	for _, e := range doc.Service {
		sig, err := e.compile()
		if err != nil {
			return nil, err
		}
		s.service[sig.Port] = append(s.service[sig.Port], sig)
	}

	for group, entries := range doc.Web {
		for _, e := range entries {
			sig, err := e.compile(group)
			if err != nil {
				return nil, err
			}
			s.web[group] = append(s.web[group], sig)
		}
		s.webGroups = append(s.webGroups, group)
	}
	sort.Strings(s.webGroups)

	return s, nil
}

func (e serviceEntry) compile() (ServiceSignature, error) {
	if e.Name == "" || e.Port <= 0 || e.Port > 65535 {
		return ServiceSignature{}, fmt.Errorf("service signature %q: name and a valid port are required", e.Name)
	}
	sig := ServiceSignature{
		Name:        e.Name,
		Category:    e.Category,
		Port:        e.Port,
		BannerMatch: e.Banner,
		ProbeMatch:  e.ProbeMatch,
	}
	switch {
	case e.ProbeHex != "":
		probe, err := hex.DecodeString(strings.ReplaceAll(e.ProbeHex, " ", ""))
		if err != nil {
			return ServiceSignature{}, fmt.Errorf("service signature %q: bad probe_hex: %w", e.Name, err)
		}
		sig.Probe = probe
	case e.Probe != "":
		sig.Probe = []byte(e.Probe)
	}
	if sig.BannerMatch == "" && !sig.HasProbe() {
		return ServiceSignature{}, fmt.Errorf("service signature %q: needs a banner or a probe", e.Name)
	}
	re, err := compileVersion(e.Name, e.Version)
	if err != nil {
		return ServiceSignature{}, err
	}
	sig.version = re
	return sig, nil
}

func (e webEntry) compile(group string) (WebSignature, error) {
	method := MatchMethod(strings.ToLower(e.Method))
	switch method {
	case MethodHeader, MethodCookie:
		if e.Field == "" {
			return WebSignature{}, fmt.Errorf("web signature %q: %s method requires a field", e.Name, method)
		}
	case MethodContent, MethodScript, MethodURL:
		if e.Pattern == "" {
			return WebSignature{}, fmt.Errorf("web signature %q: %s method requires a pattern", e.Name, method)
		}
	default:
		return WebSignature{}, fmt.Errorf("web signature %q: unknown method %q", e.Name, e.Method)
	}
	re, err := compileVersion(e.Name, e.Version)
	if err != nil {
		return WebSignature{}, err
	}
	return WebSignature{
		Name:     e.Name,
		Category: e.Category,
		Group:    group,
		Method:   method,
		Field:    e.Field,
		Pattern:  e.Pattern,
		version:  re,
	}, nil
}

func compileVersion(name, expr string) (*regexp2.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	re, err := regexp2.Compile(expr, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("signature %q: invalid version regex: %w", name, err)
	}
	re.MatchTimeout = versionMatchTimeout
	return re, nil
}

// ServiceSignatures returns the signatures registered for port.
func (s *Store) ServiceSignatures(port int) []ServiceSignature {
	return s.service[port]
}

// ServicePorts lists every port that has at least one service signature.
func (s *Store) ServicePorts() []int {
	ports := make([]int, 0, len(s.service))
	for p := range s.service {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// WebSignatures returns the web signatures grouped by category name.
func (s *Store) WebSignatures() map[string][]WebSignature {
	out := make(map[string][]WebSignature, len(s.web))
	for g, sigs := range s.web {
		out[g] = sigs
	}
	return out
}

// WebSignaturesByMethod flattens the groups in name order and keeps the
// signatures using method.
func (s *Store) WebSignaturesByMethod(method MatchMethod) []WebSignature {
	var out []WebSignature
	for _, g := range s.webGroups {
		for _, sig := range s.web[g] {
			if sig.Method == method {
				out = append(out, sig)
			}
		}
	}
	return out
}
