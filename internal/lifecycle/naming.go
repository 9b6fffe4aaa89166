package lifecycle

import (
	"fmt"
	"strings"
	"time"
)

// QueuePrefix starts every run queue name.
const QueuePrefix = "abbey"

// maxQueueName is the SQS queue name limit; the other transports accept it too.
const maxQueueName = 80

// QueueName derives a run queue name from the environment, deployment and a
// centisecond timestamp, e.g. abbey-stage-edx-170000000012.
func QueueName(environment, deployment string, now time.Time) string {
	name := fmt.Sprintf("%s-%s-%s-%d", QueuePrefix, sanitize(environment), sanitize(deployment), now.UnixMilli()/10)
	if len(name) > maxQueueName {
		name = name[len(name)-maxQueueName:]
	}
	return name
}

// StackName is the default CloudFormation stack for an environment and deployment.
func StackName(environment, deployment string) string {
	return environment + "-" + deployment
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
