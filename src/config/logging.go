package config

import logging "gopkg.in/op/go-logging.v1"

var log = logging.MustGetLogger("config")
