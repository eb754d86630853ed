package redis

import "github.com/timzifer/coupler/config"

const settingsSchema = `#Settings: {
	stream?:   string
	database?: int & >=0
	max_len?:  int & >=0
	tls?:      bool
}

#Settings
`

func init() {
	config.MustRegisterDriverSchema(Driver, settingsSchema)
}
