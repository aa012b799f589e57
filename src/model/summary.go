package model

import (
	"fmt"
	"sort"
	"strings"
)

// Summary aggregates the size of a parameter set.
type Summary struct {
	Parameters int
	Elements   int64
	Bytes      int64
	ByDType    map[string]int
}

func Summarize(src ParameterSource) Summary {
	s := Summary{ByDType: map[string]int{}}
	for _, p := range src.Parameters() {
		s.Parameters++
		s.Elements += int64(p.NumElements())
		s.Bytes += int64(p.ByteSize())
		s.ByDType[p.DType.String()]++
	}
	return s
}

func (s Summary) String() string {
	kinds := make([]string, 0, len(s.ByDType))
	for k := range s.ByDType {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = fmt.Sprintf("%s=%d", k, s.ByDType[k])
	}
	return fmt.Sprintf("%d tensors, %d elements, %d bytes [%s]", s.Parameters, s.Elements, s.Bytes, strings.Join(parts, " "))
}
