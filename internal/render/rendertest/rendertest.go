// Package rendertest stands in for the openscad binary in tests. A test
// package wires it up from TestMain:
//
//	func TestMain(m *testing.M) {
//		rendertest.RunIfHelper()
//		os.Exit(m.Run())
//	}
//
// and points a render.Gateway at Command() with Env(...). The test binary
// then re-executes itself as the compiler.
package rendertest

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	envHelper = "SCADVIEW_FAKE_OPENSCAD"
	envDelay  = "SCADVIEW_FAKE_DELAY"
)

// FailMarker makes the fake compiler exit with code 1 when it appears in
// the source file, like a syntax error would.
const FailMarker = "!!error"

// Command is the argv prefix that runs the fake compiler.
func Command() []string { return []string{os.Args[0]} }

// Env enables the fake compiler; every run sleeps for delay before writing
// its output.
func Env(delay time.Duration) []string {
	return []string{envHelper + "=1", envDelay + "=" + delay.String()}
}

// RunIfHelper turns the current process into the fake compiler when it was
// started through Command and Env. It does not return in that case.
func RunIfHelper() {
	if os.Getenv(envHelper) != "1" {
		return
	}
	os.Exit(fakeMain(os.Args[1:]))
}

func fakeMain(args []string) int {
	var (
		format, out, source string
		defs                []string
	)
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--export-format":
			i++
			format = args[i]
		case "-o":
			i++
			out = args[i]
		case "-q":
		case "--D", "-D":
			i++
			defs = append(defs, args[i])
		default:
			source = args[i]
		}
	}

	src, err := os.ReadFile(source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Can't open input file '%s'!\n", source)
		return 1
	}

	if d, err := time.ParseDuration(os.Getenv(envDelay)); err == nil {
		time.Sleep(d)
	}

	if strings.Contains(string(src), FailMarker) {
		fmt.Fprintf(os.Stderr, "ERROR: Parser error in file %q, line 1: syntax error\n", source)
		return 1
	}

	var b strings.Builder
	fmt.Fprintf(&b, "format=%s\n", format)
	for _, d := range defs {
		fmt.Fprintln(&b, d)
	}
	fmt.Fprintf(&b, "argv=%s\n", strings.Join(args, " "))
	if err := os.WriteFile(out, []byte(b.String()), 0644); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
