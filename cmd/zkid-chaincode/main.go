// Command zkid-chaincode runs the identity registry contract.
//
// When CHAINCODE_SERVER_ADDRESS is set it runs as an external chaincode
// service (chaincode-as-a-service) listening on that address with the id in
// CHAINCODE_ID; otherwise it connects to the peer in the classic way.
package main

import (
	"os"

	"github.com/hyperledger/fabric-chaincode-go/v2/shim"
	"github.com/hyperledger/fabric-contract-api-go/v2/contractapi"
	logging "github.com/ipfs/go-log/v2"

	"github.com/allsmog/zkid-go/pkg/chaincode"
)

var log = logging.Logger("zkid/chaincode")

func main() {
	cc, err := contractapi.NewChaincode(&chaincode.IdentityContract{})
	if err != nil {
		log.Fatalf("Error creating identity chaincode: %v", err)
	}
	cc.Info.Title = "zkid identity registry"
	cc.Info.Version = "1.0.0"

	address := os.Getenv("CHAINCODE_SERVER_ADDRESS")
	if address == "" {
		if err := cc.Start(); err != nil {
			log.Fatalf("Error starting identity chaincode: %v", err)
		}
		return
	}

	server := &shim.ChaincodeServer{
		CCID:    os.Getenv("CHAINCODE_ID"),
		Address: address,
		CC:      cc,
		TLSProps: shim.TLSProperties{
			Disabled: os.Getenv("CHAINCODE_TLS_DISABLED") != "false",
		},
	}
	log.Infof("Starting identity chaincode service on %s", address)
	if err := server.Start(); err != nil {
		log.Fatalf("Error starting identity chaincode service: %v", err)
	}
}
