package util

import (
	"strconv"
	"strings"
)

func Atoi(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// SplitList splits a comma separated list, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
