package iothub

import (
	"strings"

	"github.com/DougAnsonAustinTX/pelion-bridge/transport/mqtt"
)

// Topic templates carry this token where the device name goes.
const epNameToken = "__EPNAME__"

// Topic key swapped to derive the reply topics from the observation topic.
const (
	observationKey = "observation"
	cmdResponseKey = "cmd-response"
	apiResponseKey = "api-response"
)

// Device twin topics.
const (
	twinResponseFilter = "$iothub/twin/res/#"
	twinResponsePrefix = "$iothub/twin/res/"
	twinReportedTopic  = "$iothub/twin/PATCH/properties/reported/?$rid="
)

// customizeTopic binds a topic template to a concrete device name.
func customizeTopic(template, name string) string {
	return strings.ReplaceAll(template, epNameToken, name)
}

// observationTopic is where a device's telemetry gets published.
func observationTopic(template, name string) string {
	return customizeTopic(template, name)
}

// replyTopic carries CoAP command responses; it is the observation topic
// with the key segment swapped.
func replyTopic(template, name string) string {
	return strings.ReplaceAll(observationTopic(template, name), observationKey, cmdResponseKey)
}

// apiReplyTopic carries raw API call responses.
func apiReplyTopic(template, name string) string {
	return strings.ReplaceAll(observationTopic(template, name), observationKey, apiResponseKey)
}

// endpointTopics are the per-device subscriptions: cloud-to-device commands
// plus twin responses, both at QoS 1.
func endpointTopics(cmdTemplate, name string) []mqtt.Topic {
	return []mqtt.Topic{
		{Name: customizeTopic(cmdTemplate, name), QoS: 1},
		{Name: twinResponseFilter, QoS: 1},
	}
}

// endpointNameFromTopic extracts the device name from a devicebound topic
// of the form devices/<name>/messages/devicebound/...
func endpointNameFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[0] != "devices" {
		return ""
	}
	return parts[1]
}

// topicParameter pulls a key=value pair out of a topic's trailing property
// bag. Values may contain slashes (resource URIs), so only '&' ends one.
func topicParameter(topic, key string) string {
	i := strings.Index(topic, key+"=")
	if i < 0 {
		return ""
	}
	if i > 0 {
		switch topic[i-1] {
		case '/', '&', '?':
		default:
			return ""
		}
	}
	v := topic[i+len(key)+1:]
	if j := strings.IndexByte(v, '&'); j >= 0 {
		v = v[:j]
	}
	return v
}

// twinRequestID extracts the $rid correlation value from a twin response
// topic.
func twinRequestID(topic string) string {
	return topicParameter(topic, "$rid")
}
