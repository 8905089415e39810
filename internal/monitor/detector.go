package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// EscapeDetector analyzes code and execution output for escape attempts.
// It complements the builtins and import restrictions; a clean report does
// not mean the code is harmless.
type EscapeDetector struct {
	patterns []DetectionPattern
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for detected threats.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection represents a detected suspicious pattern.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewEscapeDetector creates a detector with default patterns.
func NewEscapeDetector() *EscapeDetector {
	return &EscapeDetector{
		patterns: defaultPatterns(),
	}
}

// AnalyzeCode checks submitted code for suspicious patterns before execution.
func (d *EscapeDetector) AnalyzeCode(code string) []Detection {
	var detections []Detection

	lines := strings.Split(code, "\n")
	for i, line := range lines {
		for _, p := range d.patterns {
			if p.Regex.MatchString(line) {
				det := Detection{
					Pattern:  p.Name,
					Severity: p.Severity.String(),
					Detail:   p.Description,
					Line:     i + 1,
				}
				detections = append(detections, det)

				log.Warn().
					Str("pattern", p.Name).
					Str("severity", p.Severity.String()).
					Int("line", i+1).
					Msg("escape attempt detected in code")
			}
		}
	}

	return detections
}

// AnalyzeOutput checks execution output for signs of successful escape.
func (d *EscapeDetector) AnalyzeOutput(output string) []Detection {
	var detections []Detection

	outputPatterns := []struct {
		name   string
		substr string
		sev    Severity
	}{
		{"kernel_leak", "Linux version", SeverityHigh},
		{"root_identity", "uid=0(root)", SeverityHigh},
		{"passwd_leak", "root:x:0:0", SeverityCritical},
		{"private_key_leak", "PRIVATE KEY-----", SeverityCritical},
		{"cloud_credentials", "AWS_SECRET_ACCESS_KEY", SeverityCritical},
	}

	for _, p := range outputPatterns {
		if strings.Contains(output, p.substr) {
			detections = append(detections, Detection{
				Pattern:  p.name,
				Severity: p.sev.String(),
				Detail:   "suspicious content in output: " + p.name,
			})
		}
	}

	return detections
}

// HasCritical reports whether any detection is critical.
func HasCritical(detections []Detection) bool {
	for _, d := range detections {
		if d.Severity == SeverityCritical.String() {
			return true
		}
	}
	return false
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "introspection_escape",
			Description: "Walking object internals to recover restricted builtins",
			Regex:       regexp.MustCompile(`__subclasses__|__globals__|__code__|__closure__|\bf_back\b|\bgi_frame\b|\btb_frame\b`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "builtins_tamper",
			Description: "Touching the builtins or import machinery directly",
			Regex:       regexp.MustCompile(`__builtins__|__import__|__loader__|__spec__`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "class_hierarchy_walk",
			Description: "Inspecting the class hierarchy",
			Regex:       regexp.MustCompile(`__mro__|__bases__|__base__`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "native_code",
			Description: "Loading native code or raw memory interfaces",
			Regex:       regexp.MustCompile(`\b(ctypes|cffi|_posixsubprocess|mmap)\b`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "process_spawn",
			Description: "Attempting to spawn processes",
			Regex:       regexp.MustCompile(`\bos\.(system|popen|fork|exec[lv]p?e?|spawn[lv]p?e?)\b|\bsubprocess\b|\bpty\.spawn\b`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "proc_self_access",
			Description: "Accessing /proc/self for process info",
			Regex:       regexp.MustCompile(`/proc/self/(root|exe|fd|ns|maps|mem|environ)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "sensitive_files",
			Description: "Reading host credential files",
			Regex:       regexp.MustCompile(`/etc/(passwd|shadow|sudoers)|\.ssh/|\.aws/credentials`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "metadata_service",
			Description: "Attempting to reach cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "reverse_shell",
			Description: "Potential reverse shell command",
			Regex:       regexp.MustCompile(`(?i)(nc|ncat|netcat|socat)\s+.*-[elp]|/dev/tcp/|bash\s+-i\s+>&`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "crypto_miner",
			Description: "Potential cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight|hashrate)`),
			Severity:    SeverityMedium,
		},
	}
}
