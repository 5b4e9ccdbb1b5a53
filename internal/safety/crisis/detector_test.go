package crisis

import (
	"testing"

	"github.com/afterlight/chatguard/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect_HighSeverity(t *testing.T) {
	d := NewDefaultDetector()

	tests := []struct {
		name     string
		message  string
		category Category
	}{
		{"kill myself", "I think I want to kill myself", CategorySuicidal},
		{"end my life", "Sometimes I think about ending my life", CategorySuicidal},
		{"want to die", "I just want to die", CategorySuicidal},
		{"better off dead", "Everyone would be better off dead than with me", CategorySuicidal},
		{"self harm", "I've been cutting myself again", CategorySelfHarm},
		{"join you", "I just want to join you, Mom", CategoryJoining},
		{"be with you in heaven", "I want to be with you in heaven", CategoryJoining},
		{"see you soon", "Don't worry Dad, I'll see you soon", CategoryJoining},
		{"curly apostrophe", "I don’t want to live anymore", CategorySuicidal},
		{"upper case", "I WANT TO DIE", CategorySuicidal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := d.Detect(tt.message)
			assert.True(t, r.IsCrisis)
			assert.Equal(t, LevelHigh, r.CrisisLevel)
			assert.True(t, r.InterventionRequired)
			assert.True(t, RequiresImmediateIntervention(r))
			assert.True(t, r.HasCategory(tt.category), "categories: %v", r.Categories)
			assert.Contains(t, r.RecommendedResponse, "988")
		})
	}
}

func TestDetect_JoiningGetsExplicitRefusal(t *testing.T) {
	d := NewDefaultDetector()

	joining := d.Detect("I want to join you so badly")
	suicidal := d.Detect("I want to die")

	assert.Contains(t, joining.RecommendedResponse, "never want you to leave this world")
	assert.NotEqual(t, joining.RecommendedResponse, suicidal.RecommendedResponse)

	// reunion wording wins even when generic suicidal phrasing is present too
	both := d.Detect("I want to die so I can join you")
	assert.Equal(t, joining.RecommendedResponse, both.RecommendedResponse)
}

func TestDetect_DependencyOnly(t *testing.T) {
	d := NewDefaultDetector()

	messages := []string{
		"You're all I have now",
		"Only you understand me, I talk to you every day",
		"I can't cope without talking to you",
	}

	for _, msg := range messages {
		t.Run(msg, func(t *testing.T) {
			r := d.Detect(msg)
			assert.True(t, r.IsCrisis)
			assert.Equal(t, LevelLow, r.CrisisLevel)
			assert.False(t, r.InterventionRequired)
			assert.False(t, RequiresImmediateIntervention(r))
			assert.Contains(t, r.RecommendedResponse, "digital reflection")
			assert.Contains(t, r.RecommendedResponse, "not a replacement for human connection")
		})
	}
}

func TestDetect_NormalGrief(t *testing.T) {
	d := NewDefaultDetector()

	messages := []string{
		"I miss you so much",
		"today was hard without you",
		"Remember the summer we drove to the lake?",
		"I made your lasagna recipe tonight and cried a little",
		"I wish you could see the garden this spring",
		"",
		"   ",
	}

	for _, msg := range messages {
		t.Run(msg, func(t *testing.T) {
			r := d.Detect(msg)
			assert.False(t, r.IsCrisis)
			assert.Equal(t, LevelNone, r.CrisisLevel)
			assert.Empty(t, r.DetectedPhrases)
			assert.False(t, r.InterventionRequired)
		})
	}
}

func TestDetect_MediumGates(t *testing.T) {
	d := NewDefaultDetector()

	single := d.Detect("Honestly everything feels hopeless")
	require.Equal(t, LevelMedium, single.CrisisLevel)
	assert.Len(t, single.DetectedPhrases, 1)
	assert.True(t, single.InterventionRequired, "local flag fires on any medium match")
	assert.False(t, RequiresImmediateIntervention(single), "external helper needs two phrases")

	double := d.Detect("It's hopeless and I can't go on")
	require.Equal(t, LevelMedium, double.CrisisLevel)
	assert.Len(t, double.DetectedPhrases, 2)
	assert.True(t, RequiresImmediateIntervention(double))
}

func TestDetect_HighestSeverityWins(t *testing.T) {
	d := NewDefaultDetector()

	r := d.Detect("You're all I have and I feel hopeless, I want to die")
	assert.Equal(t, LevelHigh, r.CrisisLevel)
	assert.Len(t, r.DetectedPhrases, 3)
	assert.True(t, r.HasCategory(CategoryDependency))
	assert.True(t, r.HasCategory(CategoryDistress))
	assert.True(t, r.HasCategory(CategorySuicidal))
}

func TestDetect_DistinctPhrases(t *testing.T) {
	d := NewDefaultDetector()

	r := d.Detect("hopeless. hopeless. so hopeless")
	assert.Equal(t, []string{"hopeless"}, r.DetectedPhrases)
}

func TestDetect_Minor(t *testing.T) {
	d := NewDefaultDetector()

	r := d.Detect("I'm 14 years old and I miss my grandpa")
	assert.Equal(t, LevelMedium, r.CrisisLevel)
	assert.True(t, r.HasCategory(CategoryMinor))
	assert.Contains(t, r.RecommendedResponse, "adult you trust")
}

func TestReload(t *testing.T) {
	d := NewDefaultDetector()

	err := d.Reload([]rules.CrisisRule{{Pattern: "(broken", Severity: "high", Category: "suicidal"}})
	require.Error(t, err)
	assert.True(t, d.Detect("I want to die").IsCrisis, "failed reload keeps previous rules")

	require.NoError(t, d.Reload([]rules.CrisisRule{{Pattern: `\bdark thoughts\b`, Severity: "medium", Category: "distress"}}))
	assert.False(t, d.Detect("I want to die").IsCrisis)
	assert.Equal(t, LevelMedium, d.Detect("having dark thoughts").CrisisLevel)
}

func TestSafeDetect_PanicYieldsBanner(t *testing.T) {
	d := &Detector{rules: []compiledRule{{regex: nil, severity: LevelHigh, category: CategorySuicidal}}}

	r, err := d.SafeDetect("anything at all")
	require.Error(t, err)
	assert.True(t, r.IsCrisis)
	assert.True(t, r.InterventionRequired)
	assert.Contains(t, r.RecommendedResponse, "are you safe")
	assert.Contains(t, r.RecommendedResponse, "988")
}

func TestResources(t *testing.T) {
	for _, country := range Countries() {
		t.Run(country, func(t *testing.T) {
			list := Resources(country)
			require.GreaterOrEqual(t, len(list), 3)

			var hasPhone, hasText bool
			for _, r := range list {
				assert.Equal(t, country, r.Country)
				assert.NotEmpty(t, r.URL)
				hasPhone = hasPhone || r.Phone != ""
				hasText = hasText || r.Text != ""
			}
			assert.True(t, hasPhone)
			assert.True(t, hasText)
		})
	}

	assert.Equal(t, "US", Resources("zz")[0].Country)
	assert.Equal(t, "988", Resources("us")[0].Phone)

	list := Resources("US")
	list[0].Name = "mutated"
	assert.NotEqual(t, "mutated", Resources("US")[0].Name)
}
