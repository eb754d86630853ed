package kafka

import (
	"github.com/timzifer/coupler/config"
	"github.com/timzifer/coupler/drivers/payload"
)

const settingsSchema = payload.Schema + `
#Settings: {
	brokers?: [...string]
	topic?:        string
	write_topic?:  string
	group_id?:     string
	start_offset?: =~"(?i)^(first|last)?$"
	key_field?:    string
	sasl?:         =~"(?i)^(plain|scram-sha-256|scram-sha-512)?$"
	tls?:          bool
	payload?:      #Payload
}

#Settings
`

func init() {
	config.MustRegisterDriverSchema(Driver, settingsSchema)
}
