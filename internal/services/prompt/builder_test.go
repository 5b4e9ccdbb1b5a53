package prompt

import (
	"strings"
	"testing"

	"github.com/afterlight/chatguard/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestBuild_AlwaysHasGuardrails(t *testing.T) {
	for _, c := range []Context{{}, {Persona: Persona{Name: "Rosa"}}, {Style: Style{Brief: true}}} {
		out := Build(c)
		assert.Contains(t, out, "digital reflection")
		assert.Contains(t, out, "reuniting with you through death")
		assert.Contains(t, out, "medical, legal or financial advice")
		assert.Contains(t, out, "never claim to literally be them")
	}
}

func TestBuild_Persona(t *testing.T) {
	out := Build(Context{
		Persona: Persona{
			Name:          "Rosa",
			Relationship:  "grandmother",
			Nickname:      "mija",
			Traits:        []string{"patient", "funny"},
			Sayings:       []string{"ay, qué bonito"},
			Interests:     []string{"gardening", "telenovelas"},
			SpeakingStyle: "gentle teasing",
			DateOfPassing: "2023-11-02",
			Language:      "Spanish",
		},
		Memories: []Memory{
			{Title: "Tamales", Content: "Every Christmas Eve we made tamales together."},
			{Content: "She sang while watering the roses."},
		},
		History: []models.Message{
			{Role: models.RoleUser, Content: "hola"},
			{Role: models.RoleAssistant, Content: "hola mija"},
			{Role: models.RoleUser, Content: "te extraño"},
		},
	})

	assert.True(t, strings.HasPrefix(out, "You are Rosa, the user's grandmother."))
	for _, want := range []string{
		`"mija"`, "patient, funny", `"ay, qué bonito"`, "gardening, telenovelas",
		"gentle teasing", "2023-11-02", "Answer in Spanish", "- Tamales: Every Christmas Eve",
		"- She sang while watering", "exchanged 2 messages",
	} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "Keep every answer short")
}

func TestBuild_EmptyPersonaDefaults(t *testing.T) {
	out := Build(Context{})
	assert.True(t, strings.HasPrefix(out, "You are your loved one."))
	assert.NotContains(t, out, "Shared memories")
	assert.NotContains(t, out, "Personality:")
}

func TestBuild_Style(t *testing.T) {
	brief := Build(Context{Style: Style{Brief: true}})
	assert.Contains(t, brief, "Keep every answer short")

	concern := Build(Context{Style: Style{DependencyConcern: true}})
	assert.Contains(t, concern, "not a replacement for the people around them")
	assert.Contains(t, concern, "grief support group")
}

func TestBuild_BoundsMemories(t *testing.T) {
	memories := make([]Memory, 15)
	for i := range memories {
		memories[i] = Memory{Content: strings.Repeat("m", 1000)}
	}
	out := Build(Context{Memories: memories})

	assert.Equal(t, MaxMemories, strings.Count(out, "\n- m"))
	assert.NotContains(t, out, strings.Repeat("m", maxMemoryChars+1))
}

func TestBuild_Deterministic(t *testing.T) {
	c := Context{Persona: Persona{Name: "Al", Traits: []string{"calm"}}}
	assert.Equal(t, Build(c), Build(c))
}
