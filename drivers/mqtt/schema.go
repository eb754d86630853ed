package mqtt

import (
	"github.com/timzifer/coupler/config"
	"github.com/timzifer/coupler/drivers/payload"
)

const settingsSchema = payload.Schema + `
#QoS: 0 | 1 | 2

#Settings: {
	broker?:                 string
	client_id?:              string
	clean_session?:          bool
	connect_timeout?:        #Duration
	auto_reconnect?:         bool
	max_reconnect_interval?: #Duration
	auth?: {
		username?: string
		password?: string
	}
	tls?: {
		enabled?:              bool
		insecure_skip_verify?: bool
		ca_file?:              string
		cert_file?:            string
		key_file?:             string
		server_name?:          string
		alpn?: [...string]
	}
	will?: {
		topic:    string & !=""
		payload?: string
		qos?:     #QoS
		retain?:  bool
	}
	subscriptions?: [...{
		topic: string & !=""
		qos?:  #QoS
	}]
	topic_prefix?: string
	topic?:        string
	qos?:          #QoS
	retain?:       bool
	payload?:      #Payload
}

#Settings
`

func init() {
	config.MustRegisterDriverSchema(Driver, settingsSchema)
}
