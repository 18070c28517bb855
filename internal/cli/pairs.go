package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/whoschek/wbackup-zfs/internal/replicate"
	"github.com/whoschek/wbackup-zfs/internal/zfs"
)

// ParsePairs turns the positional arguments into dataset pairs. Arguments
// come in SRC DST pairs; a single argument starting with "+" names a file
// of tab-separated src/dst lines instead.
func ParsePairs(args []string) ([]replicate.Pair, error) {
	if len(args) == 1 && strings.HasPrefix(args[0], "+") {
		return readPairFile(strings.TrimPrefix(args[0], "+"))
	}
	if len(args) == 0 || len(args)%2 != 0 {
		return nil, fmt.Errorf("dataset arguments must come in SRC_DATASET DST_DATASET pairs")
	}
	var pairs []replicate.Pair
	for i := 0; i < len(args); i += 2 {
		pair, err := parsePair(args[i], args[i+1])
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

func parsePair(src, dst string) (replicate.Pair, error) {
	srcRef, err := zfs.ParseDatasetRef(src)
	if err != nil {
		return replicate.Pair{}, err
	}
	dstRef, err := zfs.ParseDatasetRef(dst)
	if err != nil {
		return replicate.Pair{}, err
	}
	return replicate.Pair{Src: srcRef, Dst: dstRef}, nil
}

func readPairFile(path string) ([]replicate.Pair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset pair file: %w", err)
	}
	defer f.Close()

	var pairs []replicate.Pair
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		src, dst, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, fmt.Errorf("%s:%d: want SRC<TAB>DST", path, lineNo)
		}
		pair, err := parsePair(strings.TrimSpace(src), strings.TrimSpace(dst))
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		pairs = append(pairs, pair)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read dataset pair file %s: %w", path, err)
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%s: no dataset pairs", path)
	}
	return pairs, nil
}
