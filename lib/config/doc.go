// Package config loads the node configuration of the secure channel layer.
//
// Settings live under the "security" key of a YAML file read through viper.
// The default file is $HOME/.go-secchan/config.yaml and is created with the
// built-in defaults on first start.
//
// # Trust Directory
//
// TrustDir holds the certificates the node trusts and presents. Files whose
// names start with "ca" are loaded as certificate authorities and files
// starting with "lc" as local certificates. KeyFile names the PKCS#8 private
// key matching the local certificates and must not be readable by other
// users.
package config
