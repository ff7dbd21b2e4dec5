// Package mqtt is the broker [sink.Sink] for sensor readings. It uses
// Eclipse Paho v2's [autopaho] package for connection management with
// automatic reconnection, so a broker restart costs only the readings
// published while the link was down.
//
// Connection transitions are reported through [Hooks] so the operator
// log and health endpoint can show when the broker comes and goes.
// TLS is enabled for mqtts://, ssl:// and tls:// broker URLs, or
// whenever a CA certificate file is configured.
package mqtt
