package logging

import (
	"log"
	"os"
)

func New() *log.Logger {
	return log.New(os.Stdout, "uppe-node ", log.LstdFlags|log.LUTC)
}

// Component derives a logger that tags every line with a component name.
func Component(base *log.Logger, name string) *log.Logger {
	return log.New(base.Writer(), base.Prefix()+name+": ", base.Flags())
}
