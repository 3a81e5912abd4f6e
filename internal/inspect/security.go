package inspect

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// securityRule is one compiled payload pattern with its verdict.
type securityRule struct {
	name    string
	pattern *regexp.Regexp
	verdict Verdict
	reason  string
}

// securityRules covers the well-known destructive payloads. Critical
// patterns deny outright; the rest gate on approval.
var securityRules = []securityRule{
	{
		name:    "recursive_delete",
		pattern: regexp.MustCompile(`(?i)\brm\s+-[a-z]*r[a-z]*f[a-z]*\b|\brm\s+-[a-z]*f[a-z]*r[a-z]*\b`),
		verdict: VerdictDenied,
		reason:  "recursive forced deletion",
	},
	{
		name:    "drop_database",
		pattern: regexp.MustCompile(`(?i)\bdrop\s+database\b`),
		verdict: VerdictDenied,
		reason:  "database drop statement",
	},
	{
		name:    "unbounded_delete",
		pattern: regexp.MustCompile(`(?i)\bdelete\s+from\b[\s\S]*\bwhere\s+1\s*=\s*1\b`),
		verdict: VerdictDenied,
		reason:  "unbounded SQL delete",
	},
	{
		name:    "disk_format",
		pattern: regexp.MustCompile(`(?i)\bformat\b`),
		verdict: VerdictRequiresApproval,
		reason:  "format command in payload",
	},
	{
		name:    "dynamic_eval",
		pattern: regexp.MustCompile(`(?i)\beval\s*\(`),
		verdict: VerdictRequiresApproval,
		reason:  "dynamic code evaluation",
	},
	{
		name:    "dynamic_exec",
		pattern: regexp.MustCompile(`(?i)\bexec\s*\(`),
		verdict: VerdictRequiresApproval,
		reason:  "dynamic code execution",
	},
}

// sensitivePathPrefixes deny any path-like parameter pointing into them.
var sensitivePathPrefixes = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/etc/sudoers",
	"/etc/ssl/private",
	"/root/.ssh",
	"/var/run/secrets",
}

// sensitivePathSegments catch credential directories wherever they live.
var sensitivePathSegments = []string{
	"/.ssh",
	"/.aws",
	"/.gnupg",
	"/.kube",
}

type securityInspector struct{}

func newSecurityInspector() *securityInspector { return &securityInspector{} }

func (*securityInspector) Name() string { return "security" }

func (s *securityInspector) Inspect(ctx context.Context, req Request) []Finding {
	var findings []Finding
	for i, call := range req.Calls {
		fired := map[string]bool{}
		walkStrings("", call.Parameters, func(key, value string) {
			for _, rule := range securityRules {
				if fired[rule.name] || !rule.pattern.MatchString(value) {
					continue
				}
				fired[rule.name] = true
				findings = append(findings, Finding{
					Index:   i,
					Verdict: rule.verdict,
					Reason:  fmt.Sprintf("%s in parameter %q", rule.reason, key),
				})
			}
			if pathLikeKey(key) && sensitivePath(value) && !fired["sensitive_path"] {
				fired["sensitive_path"] = true
				findings = append(findings, Finding{
					Index:   i,
					Verdict: VerdictDenied,
					Reason:  fmt.Sprintf("parameter %q touches a sensitive path", key),
				})
			}
		})
	}
	return findings
}

// walkStrings visits every string value in the parameter tree with its
// nearest map key, in sorted key order so findings are deterministic.
func walkStrings(key string, value any, fn func(key, value string)) {
	switch t := value.(type) {
	case string:
		fn(key, t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkStrings(k, t[k], fn)
		}
	case []any:
		for _, child := range t {
			walkStrings(key, child, fn)
		}
	}
}

func pathLikeKey(key string) bool {
	k := strings.ToLower(key)
	if strings.Contains(k, "path") || strings.Contains(k, "file") || strings.Contains(k, "dir") {
		return true
	}
	switch k {
	case "target", "destination", "source", "location":
		return true
	}
	return false
}

func sensitivePath(value string) bool {
	for _, prefix := range sensitivePathPrefixes {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	for _, segment := range sensitivePathSegments {
		if strings.Contains(value, segment+"/") || strings.HasSuffix(value, segment) {
			return true
		}
	}
	return false
}
