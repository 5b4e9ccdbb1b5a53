package markdown

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToHTML(t *testing.T) {
	assert.Equal(t, "", ToHTML("   "))
	assert.Equal(t, "<p>I <strong>love</strong> you, <em>kiddo</em>.</p>", ToHTML("I **love** you, *kiddo*."))

	list := ToHTML("- tea\n- toast\n")
	assert.Contains(t, list, "<li>tea</li>")
}

func TestToHTML_DropsUnsafeContent(t *testing.T) {
	out := ToHTML("hello <script>alert(1)</script> there")
	assert.NotContains(t, out, "<script>")

	out = ToHTML("[click](javascript:alert(1))")
	assert.NotContains(t, out, "href=\"javascript:")

	out = ToHTML("![pic](http://example.com/a.png)")
	assert.NotContains(t, out, "<img")

	out = ToHTML("[hotline](https://988lifeline.org)")
	assert.Contains(t, out, `href="https://988lifeline.org"`)
	assert.Contains(t, out, `target="_blank"`)
}
