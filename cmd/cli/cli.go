package cli

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/canopy-network/hotshot/cmd/rpc"
	"github.com/canopy-network/hotshot/lib"
	"github.com/canopy-network/hotshot/lib/crypto"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var rootCmd = &cobra.Command{
	Use:   "hotshot",
	Short: "a chained bft consensus core and its simulator",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(rpc.SoftwareVersion)
	},
}

var (
	client, config, l     = (*rpc.Client)(nil), lib.Config{}, lib.LoggerI(nil)
	DataDir, validatorKey = "", crypto.PrivateKeyI(nil)
)

func init() {
	cobra.OnInitialize(initialize)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.PersistentFlags().StringVar(&DataDir, "data-dir", lib.DefaultDataDirPath(), "custom data directory location")
}

// initialize() loads the data directory once the flags are parsed
func initialize() {
	config, validatorKey = InitializeDataDirectory(DataDir, lib.NewDefaultLogger())
	l = lib.NewLogger(lib.LoggerConfig{Level: config.GetLogLevel(), Out: os.Stdout}).With(config.NodeName)
	client = rpc.NewClient(config.RPCPort, config.TimeoutS)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// InitializeDataDirectory() populates the data directory with configuration and key files if missing
func InitializeDataDirectory(dataDirPath string, log lib.LoggerI) (c lib.Config, privateValKey crypto.PrivateKeyI) {
	// make the data dir if missing
	if err := os.MkdirAll(dataDirPath, os.ModePerm); err != nil {
		log.Fatal(err.Error())
	}
	// make the config.json file if missing
	configFilePath := filepath.Join(dataDirPath, lib.ConfigFilePath)
	if _, err := os.Stat(configFilePath); errors.Is(err, os.ErrNotExist) {
		log.Infof("Creating %s file", lib.ConfigFilePath)
		if err = lib.DefaultConfig().WriteToFile(configFilePath); err != nil {
			log.Fatal(err.Error())
		}
	}
	// make the private key file if missing
	privateValKeyPath := filepath.Join(dataDirPath, lib.ValKeyPath)
	if _, err := os.Stat(privateValKeyPath); errors.Is(err, os.ErrNotExist) {
		blsPrivateKey, e := crypto.NewBLSPrivateKey()
		if e != nil {
			log.Fatal(e.Error())
		}
		log.Infof("Creating %s file", lib.ValKeyPath)
		if err = crypto.PrivateKeyToFile(blsPrivateKey, privateValKeyPath); err != nil {
			log.Fatal(err.Error())
		}
	}
	// load the private key object
	privateValKey, err := crypto.NewBLSPrivateKeyFromFile(privateValKeyPath)
	if err != nil {
		log.Fatal(err.Error())
	}
	// make a single member stake table file if missing
	if _, err = os.Stat(filepath.Join(dataDirPath, lib.StakeTablePath)); errors.Is(err, os.ErrNotExist) {
		log.Infof("Creating %s file", lib.StakeTablePath)
		entries := []*lib.StakeTableEntry{{PublicKey: privateValKey.PublicKey().Bytes(), Weight: 1}}
		if e := lib.SaveJSONToFile(entries, dataDirPath, lib.StakeTablePath); e != nil {
			log.Fatal(e.Error())
		}
	}
	c, err = lib.NewConfigFromFile(configFilePath)
	if err != nil {
		log.Fatal(err.Error())
	}
	c.DataDirPath = dataDirPath
	return
}

func writeToConsole(a any, err error) {
	if err != nil {
		l.Fatal(err.Error())
	}
	switch v := a.(type) {
	case int, uint32, uint64:
		p := message.NewPrinter(language.English)
		if _, err := p.Printf("%d\n", a); err != nil {
			l.Fatal(err.Error())
		}
	case string:
		fmt.Println(v)
	case *string:
		fmt.Println(*v)
	default:
		s, err := lib.MarshalJSONIndentString(a)
		if err != nil {
			l.Fatal(err.Error())
		}
		fmt.Println(s)
	}
}
