package management

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alwitt/bookingrelay/common"
	"github.com/alwitt/bookingrelay/core"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// Set BOOKINGRELAY_TEST_NATS_URI to run against a live NATS server
const testNATSURIEnv = "BOOKINGRELAY_TEST_NATS_URI"

func TestEventStreamParam(t *testing.T) {
	assert := assert.New(t)

	param := EventStreamParamFromConfig(common.MirrorConfig{
		Stream: "bookingrelay", SubjectPrefix: "bookingrelay.assignment", MaxAge: 60,
	})
	assert.Equal("bookingrelay", param.Name)
	assert.Equal(time.Minute, param.MaxAge)
	assert.Equal([]string{"bookingrelay.assignment.>"}, param.subjects())

	assert.True(sameSubjects([]string{"a", "b"}, []string{"a", "b"}))
	assert.False(sameSubjects([]string{"a"}, []string{"a", "b"}))
	assert.False(sameSubjects([]string{"a", "c"}, []string{"a", "b"}))
}

func TestEventStreamController(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uri := os.Getenv(testNATSURIEnv)
	if uri == "" {
		t.Skipf("%s not set", testNATSURIEnv)
	}

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	js, err := core.GetJetStream(core.NATSConnectParamsFromConfig(common.NATSConfig{
		ServerURI:      uri,
		ConnectTimeout: 5,
		Reconnect:      common.NATSReconnectConfig{MaxAttempts: 0, WaitInterval: 1},
	}))
	assert.Nil(err)
	if err != nil {
		return
	}
	defer js.Close(utCtxt)

	uut, err := GetEventStreamController(js, "unit-test")
	assert.Nil(err)

	testName := "ut" + strings.ReplaceAll(uuid.New().String(), "-", "")[:10]

	// Case 0: invalid parameters
	{
		_, err := uut.EnsureStream(EventStreamParam{Name: "not valid", SubjectPrefix: "a"})
		assert.NotNil(err)
	}

	// Case 1: stream does not exist
	{
		_, err := uut.GetStream(testName)
		assert.NotNil(err)
		assert.NotNil(uut.DeleteStream(testName))
	}

	// Case 2: create the stream
	{
		info, err := uut.EnsureStream(EventStreamParam{
			Name: testName, SubjectPrefix: testName + ".assignment", MaxAge: time.Minute,
		})
		assert.Nil(err)
		assert.Equal([]string{testName + ".assignment.>"}, info.Config.Subjects)
		assert.Equal(time.Minute, info.Config.MaxAge)
	}

	// Case 3: ensure again is a no-op
	{
		info, err := uut.EnsureStream(EventStreamParam{
			Name: testName, SubjectPrefix: testName + ".assignment", MaxAge: time.Minute,
		})
		assert.Nil(err)
		assert.Equal(time.Minute, info.Config.MaxAge)
	}

	// Case 4: reconcile a changed retention
	{
		info, err := uut.EnsureStream(EventStreamParam{
			Name: testName, SubjectPrefix: testName + ".events", MaxAge: time.Hour,
		})
		assert.Nil(err)
		assert.Equal([]string{testName + ".events.>"}, info.Config.Subjects)
		assert.Equal(time.Hour, info.Config.MaxAge)
	}

	assert.Nil(uut.DeleteStream(testName))
}
