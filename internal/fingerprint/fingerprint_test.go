package fingerprint_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/timebridge/timebridge/internal/fingerprint"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "write report", "write report"},
		{"casing", "Write REPORT", "write report"},
		{"surrounding whitespace", "  write report  ", "write report"},
		{"internal whitespace", "write \t  report", "write report"},
		{"edge punctuation", "!!write report!!", "write report"},
		{"punctuation and spaces", "  Write Report!! ", "write report"},
		{"inner punctuation kept", "fix bug #42", "fix bug #42"},
		{"compatibility form", "ﬁx bug", "fix bug"},
		{"compatibility capital", "𝐀 Task", "a task"},
		{"roman numeral", "phase Ⅷ", "phase viii"},
		{"empty", "", ""},
		{"only punctuation", "?!*", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fingerprint.Normalize(tt.input))
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"  Write Report!! ",
		"a . .",
		"! a",
		"x !y!",
		"réSUMÉ   draft…",
		"",
		" \t ",
		"“quoted title”",
		// Compatibility characters that normalize to capitals.
		"𝐀",
		"task 𝐀b",
		"phase Ⅷ",
	}

	for _, in := range inputs {
		once := fingerprint.Normalize(in)
		twice := fingerprint.Normalize(once)
		assert.Equal(t, once, twice, "input %q", in)
	}
}

func TestFingerprintInvariance(t *testing.T) {
	proj := int64(10)
	ws := int64(7)

	a := fingerprint.Fingerprint("  Write Report!! ", &proj, []int64{3, 1}, &ws)
	b := fingerprint.Fingerprint("write report", &proj, []int64{1, 3}, &ws)
	assert.Equal(t, a, b)

	// A compatibility-capital spelling is the same logical task.
	d := fingerprint.Fingerprint("𝐖rite Report", &proj, []int64{1, 3}, &ws)
	assert.Equal(t, a, d)

	// Different project must differ.
	other := int64(11)
	c := fingerprint.Fingerprint("write report", &other, []int64{1, 3}, &ws)
	assert.NotEqual(t, a, c)
}

func TestFingerprintNilIDsCoerceToZero(t *testing.T) {
	zero := int64(0)

	a := fingerprint.Fingerprint("task", nil, nil, nil)
	b := fingerprint.Fingerprint("task", &zero, []int64{}, &zero)
	assert.Equal(t, a, b)
}

func TestFingerprintIsHex(t *testing.T) {
	fp := fingerprint.Fingerprint("task", nil, nil, nil)
	assert.Len(t, fp, 40) // sha1 hex
	for _, r := range fp {
		assert.Contains(t, "0123456789abcdef", string(r))
	}
}
