/*
Package monitor contains the shared domain model of the device monitoring
platform: accounts, devices, sensor readings and alerts.

Devices push periodic sensor readings (temperature, humidity, gas) into the
platform. Readings are persisted, evaluated against alert thresholds and
fanned out in real time to the operators entitled to see them.

The sub packages are organized as follows:

	store     record store for accounts, devices, readings and alerts (postgres)
	alerts    threshold evaluation for incoming readings
	sink      observability sink for alert events (logrus or kafka)
	token     bearer token service (issue, verify, refresh)
	realtime  the authenticated publish/subscribe channel (server side)
	ingest    MQTT ingestion broker for device telemetry
	api       REST routes consumed by the dashboard
	client    Go consumer: reconnection controller and state reconciler
*/
package monitor
