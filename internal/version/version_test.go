// ABOUTME: Tests for version constants
// ABOUTME: Ensures version information is properly defined
package version

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstantsDefined(t *testing.T) {
	for name, v := range map[string]string{
		"Version":      Version,
		"Product":      Product,
		"Manufacturer": Manufacturer,
	} {
		t.Run(name, func(t *testing.T) {
			assert.NotEmpty(t, v)
			assert.Less(t, len(v), 100)
			assert.NotContains(t, []string{"TODO", "FIXME", "XXX", "placeholder"}, v)
		})
	}
}

func TestVersionIsSemver(t *testing.T) {
	assert.Regexp(t, regexp.MustCompile(`^\d+\.\d+\.\d+$`), Version)
}

func TestString(t *testing.T) {
	assert.Equal(t, "Resonate Duplex 0.3.0 (Resonate Protocol)", String())
}
