package enumerate

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/italolelis/dataset_relay/internal/transfer"
)

// LineFile reads one URL per line. Lines not starting with Prefix or not ending with
// Suffix are ignored; the prefix and suffix are stripped from the rest, which turns
// `<link>https://archive.org/details/x</link>` lists into plain URLs.
type LineFile struct {
	Path      string
	Prefix    string
	Suffix    string
	KeyPrefix string
}

// Lines returns the filtered URLs in file order.
func (l *LineFile) Lines() ([]string, error) {
	f, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("open line file: %w", err)
	}
	defer f.Close()

	var urls []string

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, l.Prefix) || !strings.HasSuffix(line, l.Suffix) {
			continue
		}

		line = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(line, l.Prefix), l.Suffix))
		if line != "" {
			urls = append(urls, line)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read line file: %w", err)
	}

	return urls, nil
}

// Enumerate implements Enumerator with one single-source item per line.
func (l *LineFile) Enumerate(_ context.Context) ([]*transfer.WorkItem, error) {
	urls, err := l.Lines()
	if err != nil {
		return nil, err
	}

	b := newBuilder(l.KeyPrefix)
	for _, u := range urls {
		b.add(groupFromURL(u), transfer.Source{URL: u})
	}

	return b.result(), nil
}
