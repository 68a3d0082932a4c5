package ai

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowrequest/internal/domain"
)

func TestStaticDecomposeTruncatesOnRuneBoundary(t *testing.T) {
	// "ěščřž" is 2 bytes per rune, so byte 60 falls mid-rune.
	input := strings.Repeat("ěščřž", 20)
	b, err := Static{}.Decompose(context.Background(), input, nil, nil, nil, domain.User{RoleKey: "OBCHODNIK_ZDIVO"})
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(b.Title))
	assert.LessOrEqual(t, len(b.Title), 60)
	assert.Equal(t, "OBCHODNIK_ZDIVO", b.Subtasks[0].RoleKey)
}

func TestStaticClassifySummaryStaysValidUTF8(t *testing.T) {
	reply := "Potvrzuji. " + strings.Repeat("řízení účastníků", 20)
	a, err := Static{}.Classify(context.Background(), reply)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictConfirmed, a.Verdict)
	assert.True(t, utf8.ValidString(a.Summary))
	assert.LessOrEqual(t, len(a.Summary), 140)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "krátké", truncate("krátké", 60))
	assert.Equal(t, "ab", truncate("abc", 2))
	// Cutting inside "á" (2 bytes) backs up to the rune start.
	assert.Equal(t, "", truncate("á", 1))
	assert.Equal(t, "xá", truncate("xáb", 3))
	assert.True(t, utf8.ValidString(truncate(strings.Repeat("ž", 100), 99)))
}
