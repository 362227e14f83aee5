// Package main generates the remote host's Certificate Authority (CA) and
// server certificate, and optionally a client certificate, writing them
// under a certificate directory.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/atinyakov/secretsync/internal/certgen"
)

func main() {
	dir := flag.String("dir", "certs", "output directory")
	hosts := flag.String("hosts", "localhost,127.0.0.1", "comma separated server host names or IPs")
	client := flag.String("client", "", "also issue a client certificate for this login")
	flag.Parse()

	if err := run(*dir, strings.Split(*hosts, ","), *client); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Certificates generated into %s\n", *dir)
}

// run writes ca.crt/ca.key and server.crt/server.key into dir, plus
// <client>.crt/<client>.key when client is set.
func run(dir string, hosts []string, client string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	caCertPEM, caKeyPEM, err := certgen.GenerateCA("SecretSync CA", 10*365*24*time.Hour)
	if err != nil {
		return err
	}
	if err := writePair(dir, certgen.CACertFile, certgen.CAKeyFile, caCertPEM, caKeyPEM); err != nil {
		return err
	}
	caCert, caKey, err := certgen.LoadCA(dir)
	if err != nil {
		return err
	}

	certPEM, keyPEM, err := certgen.GenerateServerCertificate(hosts, caCert, caKey, 365*24*time.Hour)
	if err != nil {
		return err
	}
	if err := writePair(dir, certgen.ServerCertFile, certgen.ServerKeyFile, certPEM, keyPEM); err != nil {
		return err
	}

	if client == "" {
		return nil
	}
	certPEM, keyPEM, err = certgen.GenerateUserCertificate(client, caCert, caKey)
	if err != nil {
		return err
	}
	return writePair(dir, client+".crt", client+".key", certPEM, keyPEM)
}

// writePair writes a PEM certificate and key; keys are readable by the owner only.
func writePair(dir, certName, keyName string, certPEM, keyPEM []byte) error {
	if err := os.WriteFile(filepath.Join(dir, certName), certPEM, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", certName, err)
	}
	if err := os.WriteFile(filepath.Join(dir, keyName), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", keyName, err)
	}
	return nil
}
