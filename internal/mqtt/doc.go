// Package mqtt subscribes to a broker for live sensor readings and
// feeds them into the sensor layer's live cache, so the newest values
// reach the agent before the next database import.
//
// Topics are sensors/<id>/<parameter>. A payload is either a bare
// number or a JSON object with value, unit and timestamp fields.
//
// The subscriber uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it re-subscribes and publishes a retained "online"
// status; a will message flips that status to "offline" on unexpected
// disconnects.
package mqtt
