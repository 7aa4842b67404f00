package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// printYAML renders v to stdout under an optional heading
func printYAML(heading string, v any) error {
	return writeYAML(os.Stdout, heading, v)
}

func writeYAML(w io.Writer, heading string, v any) error {
	if heading != "" {
		fmt.Fprintf(w, "# %s\n", heading)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to render output: %w", err)
	}
	return enc.Close()
}

// confirm asks a yes/no question on stderr and reads the answer from in
func confirm(in io.Reader, question string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", question)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}
