// Package mqtt forwards operational events from the event bus to an
// MQTT broker, so other systems can follow orchestration runs and
// provider health without polling the HTTP API.
//
// The forwarder uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. Every event is
// published as JSON under
//
//	<topic_prefix>/<instance_id>/events/<source>/<kind>
//
// A retained availability topic reports "online" while connected, and
// a will message flips it to "offline" on unexpected disconnects. The
// daily model token total is kept as a retained state topic.
package mqtt
