package payload

// Schema is the CUE definition of a Conversion block. Driver schemas embed it.
const Schema = `#Payload: {
	encoding?:    "" | "json" | "string" | "bytes" | "binary"
	value_type?:  string
	path?:        string
	time_field?:  string
	value_field?: string
}
`
