package management

import (
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/bookingrelay/common"
	"github.com/alwitt/bookingrelay/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// EventStreamParam list parameters for the JetStream stream holding mirrored events
type EventStreamParam struct {
	// Name is the stream name
	Name string `json:"name" validate:"required,alphanum"`
	// SubjectPrefix events are published under "<prefix>.<booking ID>"
	SubjectPrefix string `json:"subject_prefix" validate:"required"`
	// MaxAge is the retention period of the events
	MaxAge time.Duration `json:"max_age" validate:"gt=0"`
}

// EventStreamParamFromConfig build the stream parameters from the mirror config
func EventStreamParamFromConfig(cfg common.MirrorConfig) EventStreamParam {
	return EventStreamParam{
		Name:          cfg.Stream,
		SubjectPrefix: cfg.SubjectPrefix,
		MaxAge:        time.Second * time.Duration(cfg.MaxAge),
	}
}

// subjects the subjects the stream collects
func (p EventStreamParam) subjects() []string {
	return []string{fmt.Sprintf("%s.>", p.SubjectPrefix)}
}

// EventStreamController manage the JetStream stream holding mirrored events
type EventStreamController interface {
	// EnsureStream create the stream if it does not exist, or update its subjects and
	// retention if they differ
	EnsureStream(param EventStreamParam) (*nats.StreamInfo, error)
	// GetStream query for info on one JetStream stream by name
	GetStream(name string) (*nats.StreamInfo, error)
	// DeleteStream delete a JetStream stream by name
	DeleteStream(name string) error
}

// eventStreamControllerImpl implements EventStreamController
type eventStreamControllerImpl struct {
	common.Component
	core     core.NatsClient
	validate *validator.Validate
}

// GetEventStreamController define EventStreamController
func GetEventStreamController(
	natsCore core.NatsClient, instance string,
) (EventStreamController, error) {
	logTags := log.Fields{
		"module":    "management",
		"component": "jetstream",
		"instance":  instance,
	}
	return eventStreamControllerImpl{
		Component: common.Component{LogTags: logTags},
		core:      natsCore,
		validate:  validator.New(),
	}, nil
}

// GetStream get info on one stream
func (js eventStreamControllerImpl) GetStream(name string) (*nats.StreamInfo, error) {
	info, err := js.core.JetStream().StreamInfo(name)
	if err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf("Unable to get stream %s info", name)
	}
	return info, err
}

// EnsureStream create or reconcile the event stream
func (js eventStreamControllerImpl) EnsureStream(param EventStreamParam) (*nats.StreamInfo, error) {
	if err := js.validate.Struct(&param); err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf("Invalid stream parameters")
		return nil, err
	}
	info, err := js.core.JetStream().StreamInfo(param.Name)
	if errors.Is(err, nats.ErrStreamNotFound) {
		jsParams := nats.StreamConfig{
			Name:     param.Name,
			Subjects: param.subjects(),
			MaxAge:   param.MaxAge,
		}
		info, err = js.core.JetStream().AddStream(&jsParams)
		if err != nil {
			log.WithError(err).WithFields(js.LogTags).Errorf(
				"Unable to define new stream %s", param.Name,
			)
			return nil, err
		}
		log.WithFields(js.LogTags).Infof("Defined new stream %s", param.Name)
		return info, nil
	}
	if err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf("Unable to get stream %s info", param.Name)
		return nil, err
	}

	// Stream exists, reconcile
	currentConfig := info.Config
	wantSubjects := param.subjects()
	if sameSubjects(currentConfig.Subjects, wantSubjects) && currentConfig.MaxAge == param.MaxAge {
		log.WithFields(js.LogTags).Debugf("Stream %s already up to date", param.Name)
		return info, nil
	}
	currentConfig.Subjects = wantSubjects
	currentConfig.MaxAge = param.MaxAge
	info, err = js.core.JetStream().UpdateStream(&currentConfig)
	if err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf("Unable to update stream %s", param.Name)
		return nil, err
	}
	log.WithFields(js.LogTags).Infof("Updated stream %s", param.Name)
	return info, nil
}

// DeleteStream delete an existing stream
func (js eventStreamControllerImpl) DeleteStream(name string) error {
	if err := js.core.JetStream().DeleteStream(name); err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf("Unable to delete stream %s", name)
		return err
	}
	log.WithFields(js.LogTags).Infof("Deleted stream %s", name)
	return nil
}

func sameSubjects(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for idx := range a {
		if a[idx] != b[idx] {
			return false
		}
	}
	return true
}
