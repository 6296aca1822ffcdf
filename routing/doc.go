// Package routing turns carotte qualifiers into broker coordinates.
//
// A qualifier is a slash separated string, type/routingKey/queueName,
// with trailing segments optional:
//
//	"user.get"                    direct exchange, routing key and queue "user.get"
//	"topic/user.created/mailer"   amq.topic, key "user.created", queue "<service>:mailer"
//	"fanout/cache-reset"          amq.fanout, queue "<service>:cache-reset"
//
// The package also owns the debug overlay, which suffixes queue names with
// a developer token so shared traffic can be intercepted locally.
package routing
