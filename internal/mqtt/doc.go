// Package mqtt publishes Wankr's archive statistics to an MQTT broker
// as Home Assistant discovery sensors with availability tracking.
//
// Connection management uses Eclipse Paho v2's [autopaho] package. On
// every (re-)connect the publisher sends retained discovery configs for
// each sensor and an "online" birth message; a will message flips the
// availability topic to "offline" on unexpected disconnects.
package mqtt
