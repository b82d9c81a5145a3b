// Package mqtt announces new mail over MQTT. Each poll hit is
// published as a JSON event on <prefix>/<device>/<account>/new, and
// every account appears in Home Assistant as a "new mail" sensor
// through MQTT discovery. Publishing any message to
// <prefix>/<device>/poll asks the poller to check all accounts
// immediately.
//
// The connection uses Eclipse Paho v2's [autopaho] package with
// automatic reconnection. On every (re-)connect the publisher sends
// retained discovery payloads, a birth message ("online") on the
// availability topic and re-subscribes to the command topic. A will
// message moves the availability topic to "offline" on unexpected
// disconnects.
package mqtt
