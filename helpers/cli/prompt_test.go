package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecLines(t *testing.T) {
	t.Parallel()

	var got []string
	ExecLines(strings.NewReader("AT\n\n  AT+CSQ \r\nwait +QHTTPPOST:"), func(line string) {
		got = append(got, line)
	})
	assert.Equal(t, []string{"AT", "AT+CSQ", "wait +QHTTPPOST:"}, got)
}
