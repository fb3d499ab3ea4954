package retrieval

import (
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

type mapLookup map[string]string

func (m mapLookup) Text(id string) (string, bool) {
	t, ok := m[id]
	return t, ok
}

func TestAssembleLabelsAndOrder(t *testing.T) {
	lookup := mapLookup{"d1": "alpha", "d2": "beta"}
	ctx, refs := Assemble([]string{"d2", "d1"}, lookup, 1000)
	assert.Equal(t, "[doc:d2]\nbeta\n\n[doc:d1]\nalpha", ctx)
	assert.Equal(t, []string{"d2", "d1"}, refs)
}

func TestAssembleSkipsOverflowAndContinues(t *testing.T) {
	lookup := mapLookup{
		"big":   strings.Repeat("x", 100),
		"small": "tiny",
		"mid":   "medium text",
	}
	budget := utf8.RuneCountInString(Label("small")+"tiny") + 2 + utf8.RuneCountInString(Label("mid")+"medium text")
	ctx, refs := Assemble([]string{"big", "small", "mid"}, lookup, budget)
	assert.Equal(t, []string{"small", "mid"}, refs)
	assert.NotContains(t, ctx, "xxx")
	assert.LessOrEqual(t, utf8.RuneCountInString(ctx), budget)
}

func TestAssembleDeduplicates(t *testing.T) {
	lookup := mapLookup{"a": "one", "b": "two"}
	ctx, refs := Assemble([]string{"a", "b", "a", "b"}, lookup, 1000)
	assert.Equal(t, []string{"a", "b"}, refs)
	assert.Equal(t, 1, strings.Count(ctx, "[doc:a]"))
}

func TestAssembleSkipsUnknownIDs(t *testing.T) {
	_, refs := Assemble([]string{"ghost", "a"}, mapLookup{"a": "one"}, 1000)
	assert.Equal(t, []string{"a"}, refs)
}

func TestAssembleNothingFits(t *testing.T) {
	ctx, refs := Assemble([]string{"a"}, mapLookup{"a": "a long enough text"}, 5)
	assert.Equal(t, "", ctx)
	assert.Equal(t, []string{}, refs)

	ctx, refs = Assemble([]string{"a"}, mapLookup{"a": "x"}, 0)
	assert.Equal(t, "", ctx)
	assert.Empty(t, refs)
}

func TestAssembleCountsRunes(t *testing.T) {
	text := "Cuộc họp sáng nay"
	exact := utf8.RuneCountInString(Label("vi") + text)
	ctx, refs := Assemble([]string{"vi"}, mapLookup{"vi": text}, exact)
	assert.Equal(t, []string{"vi"}, refs)
	assert.Equal(t, exact, utf8.RuneCountInString(ctx))
}

func TestAssembleNeverExceedsBudget(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	lookup := mapLookup{}
	var ids []string
	for i := 0; i < 40; i++ {
		id := string(rune('a' + i%26))
		if i >= 26 {
			id += "2"
		}
		lookup[id] = strings.Repeat("w", rng.Intn(120))
		ids = append(ids, id)
	}
	for trial := 0; trial < 200; trial++ {
		rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
		budget := rng.Intn(600)
		ctx, refs := Assemble(ids, lookup, budget)
		assert.LessOrEqual(t, utf8.RuneCountInString(ctx), budget)
		if len(refs) == 0 {
			assert.Equal(t, "", ctx)
		}
	}
}
