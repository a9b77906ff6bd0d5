package labels

import (
	"bufio"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"
)

//go:embed coco.names
var cocoNames string

// COCO returns the 80 class names the stock YOLO weights were trained on.
func COCO() []string {
	names, _ := parse(strings.NewReader(cocoNames))
	return names
}

// Load reads a class table with one label per line. Blank lines are skipped
// so a trailing newline does not shift indices.
func Load(file string) ([]string, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("error opening labels file: %w", err)
	}
	defer f.Close()

	names, err := parse(f)
	if err != nil {
		return nil, fmt.Errorf("error reading labels file %s: %w", file, err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("labels file %s is empty", file)
	}
	return names, nil
}

func parse(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)

	var names []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		names = append(names, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return names, nil
}
