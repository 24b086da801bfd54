/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: seeds.go
Description: Seed files and screen universes. Seeds make the monkey session of a run index
replayable; the universe XML from static analysis gives the node count of the coverage target.
*/

package orchestrator

import (
	"bufio"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadSeeds reads one seed per line, skipping blank lines. A missing file means no seeds.
func LoadSeeds(path string) ([]int64, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer file.Close()

	var seeds []int64
	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		seed, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: invalid seed %q", path, line, text)
		}
		seeds = append(seeds, seed)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return seeds, nil
}

// SeedFor returns the seed of a run index, nil when there is none
func SeedFor(seeds []int64, index int) *int64 {
	if index < 0 || index >= len(seeds) {
		return nil
	}
	seed := seeds[index]
	return &seed
}

type universe struct {
	XMLName xml.Name `xml:"universe"`
	Names   []string `xml:"name"`
}

// CountUniverse returns the number of <name> entries of a universe XML
func CountUniverse(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read universe: %w", err)
	}
	var u universe
	if err := xml.Unmarshal(data, &u); err != nil {
		return 0, fmt.Errorf("malformed universe %s: %w", path, err)
	}
	if len(u.Names) == 0 {
		return 0, fmt.Errorf("universe %s has no screens", path)
	}
	return len(u.Names), nil
}
