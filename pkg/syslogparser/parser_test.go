package syslogparser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidLine(t *testing.T) {
	line := []byte(`<134>1 2024-03-01T12:00:00.000Z workerhost test.wait 4821 - [status@ridersdiscount progress="0.5"] build step 3 of 6`)

	hdr, sdata, msg, err := Parse(line)
	require.NoError(t, err)

	assert.Equal(t, 134, hdr.PRIVal)
	assert.Equal(t, 1, hdr.Version)
	assert.True(t, hdr.HasTime)
	assert.Equal(t, "workerhost", hdr.Hostname)
	assert.Equal(t, "test.wait", hdr.AppName)
	assert.Equal(t, "4821", hdr.ProcID)
	assert.Equal(t, "", hdr.MsgID)

	val, ok := sdata.Lookup("status@ridersdiscount", "progress")
	require.True(t, ok)
	assert.Equal(t, "0.5", val)

	assert.Equal(t, "build step 3 of 6", string(msg))
}

func TestParseNilStructuredData(t *testing.T) {
	line := []byte(`<14>1 - - - - - - plain message`)
	hdr, sdata, msg, err := Parse(line)
	require.NoError(t, err)
	assert.False(t, hdr.HasTime)
	assert.Equal(t, "", hdr.Hostname)
	assert.Nil(t, sdata)
	assert.Equal(t, "plain message", string(msg))
}

func TestParseNoMessage(t *testing.T) {
	line := []byte(`<14>1 - host app - - -`)
	_, _, msg, err := Parse(line)
	require.NoError(t, err)
	assert.Empty(t, msg)
}

func TestParseMultipleElementsAndParams(t *testing.T) {
	line := []byte(`<14>1 - host app - - [a@1 x="1" y="2"][b@2 z="3"]`)
	_, sdata, _, err := Parse(line)
	require.NoError(t, err)
	v, ok := sdata.Lookup("a@1", "x")
	require.True(t, ok)
	assert.Equal(t, "1", v)
	v, ok = sdata.Lookup("a@1", "y")
	require.True(t, ok)
	assert.Equal(t, "2", v)
	v, ok = sdata.Lookup("b@2", "z")
	require.True(t, ok)
	assert.Equal(t, "3", v)
}

func TestParseEscapedQuoteInValue(t *testing.T) {
	line := []byte(`<14>1 - host app - - [e@1 msg="say \"hi\""]`)
	_, sdata, _, err := Parse(line)
	require.NoError(t, err)
	v, ok := sdata.Lookup("e@1", "msg")
	require.True(t, ok)
	assert.Equal(t, `say "hi"`, v)
}

func TestParseRejectsMissingPRI(t *testing.T) {
	_, _, _, err := Parse([]byte(`1 - host app - - -`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseRejectsHostnameTooLong(t *testing.T) {
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	line := append([]byte(`<14>1 - `), long...)
	line = append(line, []byte(` app - - -`)...)
	_, _, _, err := Parse(line)
	assert.ErrorIs(t, err, ErrFieldLength)
}

func TestParseRejectsUnterminatedElement(t *testing.T) {
	_, _, _, err := Parse([]byte(`<14>1 - host app - - [a@1 x="1"`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseRejectsMissingElementID(t *testing.T) {
	_, _, _, err := Parse([]byte(`<14>1 - host app - - [ x="1"]`))
	assert.ErrorIs(t, err, ErrFieldLength)
}

func TestExtractProgressHappyPath(t *testing.T) {
	buf := []byte("<14>1 - h a - - -\n<14>1 - h a - - [status@ridersdiscount progress=\"0.75\"]\n")
	val, err := ExtractProgress(buf)
	require.NoError(t, err)
	assert.Equal(t, 0.75, val)
}

func TestExtractProgressOnlyLastLine(t *testing.T) {
	buf := []byte("<14>1 - h a - - [status@ridersdiscount progress=\"0.1\"]\n<14>1 - h a - - -")
	_, err := ExtractProgress(buf)
	assert.ErrorIs(t, err, ErrNoProgress)
}

func TestExtractProgressMissingElement(t *testing.T) {
	buf := []byte(`<14>1 - h a - - -`)
	_, err := ExtractProgress(buf)
	assert.ErrorIs(t, err, ErrNoProgress)
}

func TestExtractProgressOutOfRange(t *testing.T) {
	buf := []byte(`<14>1 - h a - - [status@ridersdiscount progress="1.5"]`)
	_, err := ExtractProgress(buf)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestExtractProgressParseFailureLeavesError(t *testing.T) {
	buf := []byte(`not a syslog line at all`)
	_, err := ExtractProgress(buf)
	require.Error(t, err)
}

func TestExtractProgressEmptyBuffer(t *testing.T) {
	_, err := ExtractProgress(nil)
	assert.ErrorIs(t, err, ErrNoProgress)
}
