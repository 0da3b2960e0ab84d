package migration

const Version = "0.1.0"
