package simcom

import (
	"strings"

	"github.com/256dpi/gomqtt/topic"
	"github.com/juju/errors"
)

const (
	subscribeTopicFormat = "devices/%s/messages/devicebound/#"
	publishTopicFormat   = "devices/%s/messages/events/"
)

// validTopic checks MQTT topic syntax. Wildcards are only accepted for
// subscriptions. The topic is also embedded in a quoted AT argument so it
// must not contain quotes or line breaks.
func validTopic(t string, allowWildcards bool) error {
	if err := validArg("topic", t); err != nil {
		return err
	}
	if _, err := topic.Parse(t, allowWildcards); err != nil {
		return errors.NewNotValid(err, "topic "+t)
	}
	return nil
}

// validArg rejects text that would end a quoted AT argument or the command line.
// The value is left out of the error, it may be a secret.
func validArg(name, v string) error {
	if strings.ContainsAny(v, "\"\r\n") {
		return errors.NotValidf("%s with quote or line break", name)
	}
	return nil
}
