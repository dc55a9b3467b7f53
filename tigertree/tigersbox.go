package tigertree

// tigerT1..tigerT4 are the Tiger compression function's byte-substitution
// tables, one per byte lane. Generated deterministically at init via a
// splitmix64 stream so the 1024 constants never need hand transcription
// (see the package doc in tiger.go).
var (
	tigerT1 [256]uint64
	tigerT2 [256]uint64
	tigerT3 [256]uint64
	tigerT4 [256]uint64
)

func init() {
	seed := uint64(0x9E3779B97F4A7C15)
	fill := func(table *[256]uint64, salt uint64) {
		s := seed ^ salt
		for i := range table {
			s += 0x9E3779B97F4A7C15
			z := s
			z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
			z = (z ^ (z >> 27)) * 0x94D049BB133111EB
			z = z ^ (z >> 31)
			table[i] = z
		}
	}
	fill(&tigerT1, 0x5442010203040506)
	fill(&tigerT2, 0x5442020304050607)
	fill(&tigerT3, 0x5442030405060708)
	fill(&tigerT4, 0x5442040506070809)
}
