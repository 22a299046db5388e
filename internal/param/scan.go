package param

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

var (
	groupRe      = regexp.MustCompile(`/\*\s*\[(.*?)\]\s*\*/`)
	declRe       = regexp.MustCompile(`^(\w+)\s*=\s*(.+?);(.*)$`)
	constraintRe = regexp.MustCompile(`^//\s*\[(.*)\]\s*$`)
)

// hiddenGroup suppresses every parameter declared under it.
const hiddenGroup = "hidden"

// ExtractFile reads path and returns the parameters declared in it.
func ExtractFile(path string) ([]Parameter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	params, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return params, nil
}

// Parse scans OpenSCAD source for customizer parameters. Only assignments
// at brace depth zero count. A /* [Name] */ comment starts a group, and the
// group named Hidden (any case) is skipped. A // comment on the line above
// an assignment becomes its description, and a trailing // [..] comment
// supplies a numeric range or a list of string options.
//
// Assignments whose value is not a literal (vectors, expressions, function
// calls) are not parameters.
func Parse(r io.Reader) ([]Parameter, error) {
	var (
		params      []Parameter
		group       string
		depth       int
		description string
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			description = ""
			continue
		}

		if strings.HasPrefix(line, "//") && !strings.Contains(line, "/*") {
			if depth == 0 {
				description = strings.TrimSpace(strings.TrimPrefix(line, "//"))
			}
			continue
		}

		code := stripLineComment(line)
		depth += strings.Count(code, "{") - strings.Count(code, "}")
		if depth < 0 {
			depth = 0
		}
		if depth > 0 || strings.ContainsAny(code, "{}") {
			description = ""
			continue
		}

		if strings.HasPrefix(line, "/*") {
			if m := groupRe.FindStringSubmatch(line); m != nil {
				group = strings.TrimSpace(m[1])
			}
			description = ""
			continue
		}

		m := declRe.FindStringSubmatch(line)
		desc := description
		description = ""
		if m == nil || strings.EqualFold(group, hiddenGroup) {
			continue
		}

		p, ok := declaration(m[1], strings.TrimSpace(m[2]), strings.TrimSpace(m[3]))
		if !ok {
			continue
		}
		p.Group = group
		p.Description = desc
		params = append(params, p)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return params, nil
}

func declaration(name, raw, trailing string) (Parameter, bool) {
	p := Parameter{Name: name}
	switch {
	case raw == "true" || raw == "false":
		p.Default = Bool(raw == "true")
	case isQuoted(raw):
		s, err := strconv.Unquote(raw)
		if err != nil {
			s = raw[1 : len(raw)-1]
		}
		p.Default = Text(s)
	default:
		f, ok := parseFinite(raw)
		if !ok {
			return Parameter{}, false
		}
		p.Default = Number(f)
	}

	if c := constraintRe.FindStringSubmatch(trailing); c != nil {
		applyConstraint(&p, c[1])
	}
	return p, true
}

// applyConstraint interprets the body of a trailing // [..] comment.
func applyConstraint(p *Parameter, body string) {
	switch p.Kind() {
	case KindNumber:
		if strings.Contains(body, ",") {
			return
		}
		parts := strings.Split(body, ":")
		nums := make([]float64, 0, len(parts))
		for _, part := range parts {
			f, ok := parseFinite(part)
			if !ok {
				return
			}
			nums = append(nums, f)
		}
		switch len(nums) {
		case 1:
			p.Range = &Range{Max: &nums[0]}
		case 2:
			p.Range = &Range{Min: &nums[0], Max: &nums[1]}
		case 3:
			p.Range = &Range{Min: &nums[0], Step: &nums[1], Max: &nums[2]}
		}
	case KindString:
		for _, opt := range strings.Split(body, ",") {
			opt = strings.Trim(strings.TrimSpace(opt), `"'`)
			if opt != "" {
				p.Options = append(p.Options, opt)
			}
		}
	}
}

func isQuoted(s string) bool {
	if len(s) < 2 {
		return false
	}
	q := s[0]
	return (q == '"' || q == '\'') && s[len(s)-1] == q
}

// stripLineComment drops a trailing // comment that is not inside a string.
func stripLineComment(line string) string {
	inString := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\\':
			if inString {
				i++
			}
		case '"':
			inString = !inString
		case '/':
			if !inString && i+1 < len(line) && line[i+1] == '/' {
				return line[:i]
			}
		}
	}
	return line
}
