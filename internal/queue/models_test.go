package queue

import (
	"testing"

	"github.com/skiplock/skiplock/internal/testutil"
)

func TestParseJobStatus(t *testing.T) {
	for _, s := range []string{"queued", "processing", "completed", "failed", "cancelled"} {
		got, err := ParseJobStatus(s)
		testutil.NoError(t, err)
		testutil.Equal(t, JobStatus(s), got)
	}

	for _, s := range []string{"", "Queued", "QUEUED", "done", "canceled"} {
		_, err := ParseJobStatus(s)
		testutil.ErrorContains(t, err, "invalid job status")
	}
}

func TestNormalizeTags(t *testing.T) {
	testutil.Nil(t, normalizeTags(nil))
	testutil.Nil(t, normalizeTags([]byte(`[]`)))
	testutil.Nil(t, normalizeTags([]byte(`null`)))
	testutil.Nil(t, normalizeTags([]byte(`{"not":"an array"}`)))
	testutil.Nil(t, normalizeTags([]byte(`"email"`)))

	tags := normalizeTags([]byte(`["email","priority"]`))
	testutil.SliceLen(t, tags, 2)
	testutil.Equal(t, "email", tags[0])
	testutil.Equal(t, "priority", tags[1])
}
